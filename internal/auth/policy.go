package auth

import (
	"errors"
	"strconv"
)

// Admission errors. ErrAuthenticationRequired maps to 401, ErrDenied to 403.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrDenied                 = errors.New("authorization denied")
)

// RequirementKind selects the admission rule a route carries.
type RequirementKind string

const (
	RequireNone          RequirementKind = "none"
	RequireAuthenticated RequirementKind = "authenticated"
	RequirePermissions   RequirementKind = "permissions"
	RequireRoles         RequirementKind = "roles"
	RequireOwnership     RequirementKind = "ownership"
)

// Requirement is the policy attached to a route.
type Requirement struct {
	Kind        RequirementKind `json:"kind"`
	Permissions []string        `json:"permissions,omitempty"`
	Roles       []string        `json:"roles,omitempty"`
	// OwnershipParam names the URL parameter whose value must equal the
	// subject id (unless the subject is an admin).
	OwnershipParam string `json:"ownership_param,omitempty"`
}

// Public is the requirement for unauthenticated routes.
var Public = Requirement{Kind: RequireNone}

// Authenticated is the requirement for routes that only need a valid credential.
var Authenticated = Requirement{Kind: RequireAuthenticated}

// Permissions builds a permission-gated requirement.
func Permissions(perms ...string) Requirement {
	return Requirement{Kind: RequirePermissions, Permissions: perms}
}

// Roles builds a role-gated requirement.
func Roles(roles ...string) Requirement {
	return Requirement{Kind: RequireRoles, Roles: roles}
}

// Ownership builds an ownership-gated requirement bound to the named URL parameter.
func Ownership(param string) Requirement {
	return Requirement{Kind: RequireOwnership, OwnershipParam: param}
}

// Evaluate decides whether the AuthContext satisfies the requirement. It is a
// pure function and the single place admission rules live; no other component
// consults the AuthContext for admission decisions.
//
// params carries the bound URL parameters for ownership requirements. ac may
// be nil for anonymous requests.
func Evaluate(ac *AuthContext, req Requirement, params map[string]string) error {
	switch req.Kind {
	case RequireNone, "":
		return nil

	case RequireAuthenticated:
		if ac == nil {
			return ErrAuthenticationRequired
		}
		return nil

	case RequirePermissions:
		if ac == nil {
			return ErrAuthenticationRequired
		}
		for _, p := range req.Permissions {
			if !ac.HasPermission(p) {
				return ErrDenied
			}
		}
		return nil

	case RequireRoles:
		if ac == nil {
			return ErrAuthenticationRequired
		}
		if ac.IsAdmin() {
			return nil
		}
		for _, r := range req.Roles {
			if ac.HasRole(r) {
				return nil
			}
		}
		return ErrDenied

	case RequireOwnership:
		if ac == nil {
			return ErrAuthenticationRequired
		}
		if ac.IsAdmin() {
			return nil
		}
		bound, ok := params[req.OwnershipParam]
		if !ok {
			return ErrDenied
		}
		boundID, err := strconv.ParseInt(bound, 10, 64)
		if err != nil {
			return ErrDenied
		}
		subjectID, ok := ac.SubjectIDInt()
		if !ok || subjectID != boundID {
			return ErrDenied
		}
		return nil

	default:
		return ErrDenied
	}
}
