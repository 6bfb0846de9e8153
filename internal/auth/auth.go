package auth

import (
	"context"
	"slices"
	"strconv"
	"time"
)

// RoleAdmin holds every permission implicitly. It is the only role the
// gateway itself gives special meaning; all other roles are opaque strings
// owned by the RBAC service.
const RoleAdmin = "admin"

// PermissionWildcard grants every permission.
const PermissionWildcard = "*"

// AuthContext is the validated, decoded representation of a credential. It is
// derived per request (or per socket at upgrade time) and never stored.
type AuthContext struct {
	SubjectID   string
	Username    string
	Roles       []string
	Permissions []string
	Scopes      []string
	SessionID   string
	Issuer      string
	Audience    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Active      bool
}

// HasRole reports whether the subject holds the given role.
func (a *AuthContext) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// HasPermission reports whether the subject holds the given permission,
// either directly or through the wildcard.
func (a *AuthContext) HasPermission(perm string) bool {
	return slices.Contains(a.Permissions, PermissionWildcard) ||
		slices.Contains(a.Permissions, perm)
}

// IsAdmin reports whether the subject holds the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// SubjectIDInt returns the subject id as an integer. Ownership checks compare
// numeric identities; a non-numeric subject never owns anything.
func (a *AuthContext) SubjectIDInt() (int64, bool) {
	n, err := strconv.ParseInt(a.SubjectID, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type ctxKey string

const authContextKey ctxKey = "auth_context"

// NewContext stores the AuthContext in the context.
func NewContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext extracts the AuthContext from the context.
// Returns nil if the request is anonymous.
func FromContext(ctx context.Context) *AuthContext {
	v, _ := ctx.Value(authContextKey).(*AuthContext)
	return v
}
