package auth

import (
	"net/http"
	"strings"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

func HasAtLeast(roles []string, required string) bool {
	want := roleLevels[required]
	if want == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevels[strings.ToLower(strings.TrimSpace(role))] >= want {
			return true
		}
	}
	return false
}

// RequiredRole: reads and the mapping preview need viewer, anything that
// starts runs needs operator.
func RequiredRole(r *http.Request) string {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.URL.Path == "/schema/mapping" {
		return RoleViewer
	}
	return RoleOperator
}

// AuthorizeByRole is the default authorization for the operator API.
func AuthorizeByRole(r *http.Request, id Identity) error {
	if HasAtLeast(id.Roles, RequiredRole(r)) {
		return nil
	}
	return ErrForbidden
}
