// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hms/pkg/problems"
)

// MemoryRegistry is a fixed, in-process registry for local runs and tests.
type MemoryRegistry struct {
	mu   sync.RWMutex
	byID map[string]Tenant
}

func NewMemoryRegistry(ts ...Tenant) *MemoryRegistry {
	m := &MemoryRegistry{byID: map[string]Tenant{}}
	for _, t := range ts {
		m.Put(t)
	}
	return m
}

// NewMemoryRegistryFromEnv seeds from TENANT_SEED_JSON:
//
//	[{"id":"clinic_9","display_name":"Clinic 9","status":"active"}]
func NewMemoryRegistryFromEnv(log *zap.SugaredLogger) *MemoryRegistry {
	m := NewMemoryRegistry()
	seed := os.Getenv("TENANT_SEED_JSON")
	if seed == "" {
		return m
	}
	var entries []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Status      Status `json:"status"`
	}
	if err := json.Unmarshal([]byte(seed), &entries); err != nil {
		log.Warnw("TENANT_SEED_JSON ignored", "err", err)
		return m
	}
	for _, e := range entries {
		if !ValidID(e.ID) {
			log.Warnw("seed tenant skipped", "id", e.ID)
			continue
		}
		if e.Status == "" {
			e.Status = StatusActive
		}
		m.Put(Tenant{ID: e.ID, DisplayName: e.DisplayName, Namespace: NamespaceFor(e.ID), Status: e.Status, CreatedAt: time.Now().UTC()})
	}
	return m
}

func (m *MemoryRegistry) Put(t Tenant) {
	if t.Namespace == "" {
		t.Namespace = NamespaceFor(t.ID)
	}
	m.mu.Lock()
	m.byID[t.ID] = t
	m.mu.Unlock()
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.byID[id]; ok {
		return t, nil
	}
	return Tenant{}, fmt.Errorf("%w: %s", problems.ErrUnknownTenant, id)
}

func (m *MemoryRegistry) ListByStatus(_ context.Context, status Status) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tenant
	for _, t := range m.byID {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
