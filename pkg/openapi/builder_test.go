package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDocumentsAuthorization(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(
		Operation{Method: "GET", Path: "/patients/{id}", Summary: "Get", Surface: "hospital", Resource: "patient_record", Action: "read", TenantBound: true},
		Operation{Method: "POST", Path: "/admin/tenants", Surface: "operator", Resource: "tenant", Action: "write"},
	)

	rec := httptest.NewRecorder()
	r.ServeHandler("hms-gateway", "1.0.0")(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc struct {
		Paths map[string]map[string]struct {
			Resource   string           `json:"x-resource-class"`
			Action     string           `json:"x-action"`
			Parameters []map[string]any `json:"parameters"`
			Responses  map[string]any   `json:"responses"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	get := doc.Paths["/patients/{id}"]["get"]
	assert.Equal(t, "patient_record", get.Resource)
	assert.Equal(t, "read", get.Action)
	assert.Len(t, get.Parameters, 4, "app headers, tenant header, path id")
	assert.Contains(t, get.Responses, "400")

	post := doc.Paths["/admin/tenants"]["post"]
	assert.Contains(t, post.Responses, "201")
	assert.NotContains(t, post.Responses, "400")
}
