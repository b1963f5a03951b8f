package state

import (
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)
	AllConnections() []*Connection

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID, displayName string) (*User, error)
	FindUser(userID string) (*User, bool)
	GetUserConnections(userID string) ([]*transport.Connection, error)
	GetUserConnectionCount(userID string) (int, error)

	// --- Resource & Membership Management ---
	// Join records that connID's user joined resourceID with the given
	// role. Joining again from another connection refreshes the role.
	Join(connID uuid.UUID, resourceID, role string, perms Permission) (*Membership, error)
	// Leave drops connID from the membership; the membership, and an empty
	// resource, go away with the last connection.
	Leave(connID uuid.UUID, resourceID string) error
	GetResourceMembers(resourceID string) ([]*User, error)
	FindResource(resourceID string) (*Resource, bool)

	// --- Permission Management ---
	SetPermissions(userID, resourceID, role string, perms Permission) error
	GetMembership(userID, resourceID string) (*Membership, bool)
	// MembershipOf returns a copy of the membership, provided connID itself
	// joined resourceID.
	MembershipOf(connID uuid.UUID, resourceID string) (Membership, bool)

	// --- Modifier store Management ---
	GetModifierState(modifierName, userID, eventName string) (state *ModifierState, found bool)
	// SetModifierState stores or replaces an entry, stopping the timer of
	// the entry it replaces.
	SetModifierState(modifierName, userID, eventName string, state *ModifierState)
	DeleteModifierState(modifierName, userID, eventName string)
}
