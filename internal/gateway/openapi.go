package gateway

import "hms/pkg/openapi"

// Operations describes routes for the OpenAPI document.
func Operations(tag string, routes []Route) []openapi.Operation {
	ops := make([]openapi.Operation, 0, len(routes))
	for _, rt := range routes {
		ops = append(ops, openapi.Operation{
			Method:      rt.Method,
			Path:        rt.Pattern,
			Summary:     rt.Summary,
			Tags:        []string{tag},
			Surface:     string(rt.Surface),
			Resource:    string(rt.Resource),
			Action:      string(rt.Action),
			TenantBound: rt.Binding == BindTenant,
		})
	}
	return ops
}
