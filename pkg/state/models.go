package state

import (
	"time"

	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/google/uuid"
)

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection
	User      *User // nil until associated
	CreatedAt time.Time
}

// canonical representation of a user, aggregating all their connections.
type User struct {
	ID          string
	DisplayName string
	Connections map[uuid.UUID]*Connection
	Memberships map[string]*Membership // keyed by ResourceID
}

// a collaborative resource with at least one live member.
type Resource struct {
	ID      string
	Members map[string]*User // keyed by UserID
}

// Membership links a User to a Resource they have joined from one or more
// connections, with the permissions resolved at join time.
type Membership struct {
	User        *User
	Resource    *Resource
	Role        string
	Permissions Permission
	Connections map[uuid.UUID]struct{}
	JoinedAt    time.Time
}

// ModifierState is per (modifier, user, event) scratch space, e.g. a rate
// limit window. Timer, when set, expires the entry.
type ModifierState struct {
	Value any
	Timer *time.Timer
}
