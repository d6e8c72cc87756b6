package serializer

import "github.com/caissapos/caissa/internal/model"

// Payload serializes the authorization snapshot of an account, as served by
// the sign-in and check-session endpoints.
func Payload(m *model.Account) map[string]interface{} {
	return map[string]interface{}{
		"user": map[string]interface{}{
			"id":   m.ID,
			"name": m.Name,
			"role": m.Role,
		},
		"permissions":        m.Permissions,
		"limits":             m.Limits,
		"interface_access":   m.InterfaceAccess,
		"pos_modules":        m.POSModules,
		"backoffice_modules": m.BackofficeModules,
	}
}

// Global serializes the given render to the general API response format.
func Global(render interface{}) interface{} {
	return map[string]interface{}{
		"success": true,
		"data":    render,
	}
}
