package access

import (
	"fmt"

	"github.com/a-essam23/go-collab/pkg/state"
)

type Role string

const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// ParseRole accepts the grantable roles. Owner is never grantable: it
// follows from creating the resource.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleEditor:
		return Role(s), nil
	case "":
		return RoleEditor, nil
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Permissions maps a role onto the connection-level permission bitmap.
func (r Role) Permissions() state.Permission {
	switch r {
	case RoleOwner:
		return state.PermCanRead | state.PermCanWrite | state.PermCanManage
	case RoleEditor:
		return state.PermCanRead | state.PermCanWrite
	case RoleViewer:
		return state.PermCanRead
	}
	return 0
}

// Access is the effective permission of one user on one resource.
type Access struct {
	Role    Role `json:"role"`
	IsOwner bool `json:"is_owner"`
	CanEdit bool `json:"can_edit"`
}

func accessFor(r Role) Access {
	return Access{
		Role:    r,
		IsOwner: r == RoleOwner,
		CanEdit: r == RoleOwner || r == RoleEditor,
	}
}
