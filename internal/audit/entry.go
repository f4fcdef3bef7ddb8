package audit

import (
	"time"

	"github.com/google/uuid"

	"hms/internal/authz"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one append-only audit record. ResourceID is nil when the
// operation never identified a target (for example a refused create).
type Entry struct {
	ID          uuid.UUID           `json:"id"`
	TenantID    string              `json:"tenant_id"`
	PrincipalID string              `json:"principal_id"`
	Action      authz.Action        `json:"action"`
	Resource    authz.ResourceClass `json:"resource"`
	ResourceID  *string             `json:"resource_id,omitempty"`
	Outcome     Outcome             `json:"outcome"`
	OccurredAt  time.Time           `json:"occurred_at"`
	RequestID   string              `json:"request_id"`
}
