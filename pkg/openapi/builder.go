package openapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// Operation represents a single HTTP operation to surface in OpenAPI.
// Resource, Action and Surface are what the authorization engine checks
// before the operation runs.
type Operation struct {
	Method      string
	Path        string
	Summary     string
	Tags        []string
	Surface     string
	Resource    string
	Action      string
	TenantBound bool
}

// Registry holds registered operations.
type Registry struct {
	mu  sync.RWMutex
	ops []Operation
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(ops ...Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		op.Method = strings.ToLower(op.Method)
		r.ops = append(r.ops, op)
	}
}

var problemResponse = map[string]any{
	"description": "Problem",
	"content": map[string]any{
		"application/problem+json": map[string]any{"schema": map[string]any{"$ref": "#/components/schemas/Problem"}},
	},
}

func responses(op Operation) map[string]any {
	ok := "200"
	if op.Method == "post" && strings.Count(op.Path, "{") == 0 {
		ok = "201"
	}
	if op.Method == "delete" {
		ok = "204"
	}
	out := map[string]any{
		ok:    map[string]any{"description": "OK"},
		"401": problemResponse,
		"403": problemResponse,
		"429": problemResponse,
		"503": problemResponse,
	}
	if op.TenantBound {
		out["400"] = problemResponse
	}
	return out
}

func parameters(op Operation) []map[string]any {
	params := []map[string]any{
		{"name": "X-App-ID", "in": "header", "required": true, "schema": map[string]string{"type": "string"}},
		{"name": "X-App-Secret", "in": "header", "required": true, "schema": map[string]string{"type": "string"}},
	}
	if op.TenantBound {
		params = append(params, map[string]any{
			"name": "X-Tenant-ID", "in": "header", "required": false,
			"description": "Tenant identifier; may instead be given as the host's left-most label.",
			"schema":      map[string]string{"type": "string"},
		})
	}
	for _, seg := range strings.Split(op.Path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, map[string]any{
				"name": strings.Trim(seg, "{}"), "in": "path", "required": true,
				"schema": map[string]string{"type": "string"},
			})
		}
	}
	return params
}

// Build produces an OpenAPI 3.1 document for the registered operations.
func (r *Registry) Build(serviceName, version string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := map[string]any{}
	for _, op := range r.ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		paths[op.Path].(map[string]any)[op.Method] = map[string]any{
			"summary":          op.Summary,
			"tags":             op.Tags,
			"parameters":       parameters(op),
			"responses":        responses(op),
			"x-surface":        op.Surface,
			"x-resource-class": op.Resource,
			"x-action":         op.Action,
		}
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearer": map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
			"schemas": map[string]any{
				"Problem": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":       map[string]string{"type": "string"},
						"title":      map[string]string{"type": "string"},
						"status":     map[string]string{"type": "integer"},
						"detail":     map[string]string{"type": "string"},
						"request_id": map[string]string{"type": "string"},
					},
				},
			},
		},
		"security": []map[string]any{{"bearer": []string{}}},
	}
}

// ServeHandler returns an HTTP handler that serves the built OpenAPI JSON.
func (r *Registry) ServeHandler(serviceName, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(serviceName, version))
	}
}
