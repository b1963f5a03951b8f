package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("connection not registered")
	ErrUserNotFound      = errors.New("user not found")
	ErrNotMember         = errors.New("user is not a member of this resource")
)

// Lock order: connMu, userMu, resourceMu. modMu is independent.
type InMemoryManager struct {
	conns     map[uuid.UUID]*state.Connection
	users     map[string]*state.User
	resources map[string]*state.Resource
	modifiers map[modifierKey]*state.ModifierState

	connMu     sync.RWMutex
	userMu     sync.RWMutex
	resourceMu sync.RWMutex
	modMu      sync.Mutex

	logger *slog.Logger
}

type modifierKey struct {
	modifier, user, event string
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:     make(map[uuid.UUID]*state.Connection),
		users:     make(map[string]*state.User),
		resources: make(map[string]*state.Resource),
		modifiers: make(map[modifierKey]*state.ModifierState),
		logger:    logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

// DeregisterConnection forgets the connection, detaches it from its user and
// drops it from every membership it still holds.
func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	if conn.User == nil {
		m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
		return nil
	}

	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()

	user := conn.User
	delete(user.Connections, connID)
	for resourceID, ms := range user.Memberships {
		if _, joined := ms.Connections[connID]; joined {
			m.dropConnLocked(user, ms, connID, resourceID)
		}
	}
	if len(user.Connections) == 0 && len(user.Memberships) == 0 {
		delete(m.users, user.ID)
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("userID", user.ID))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	out := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil
	}
	return len(user.Connections), nil
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	var oldest *state.Connection
	for _, conn := range user.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, userID, displayName string) (*state.User, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()
	defer m.userMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}

	user, exists := m.users[userID]
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
			Memberships: make(map[string]*state.Membership),
		}
		m.users[userID] = user
		m.logger.Debug("Created new user session", slog.String("userID", userID))
	}
	if displayName != "" {
		user.DisplayName = displayName
	}
	conn.User = user
	user.Connections[connID] = conn

	m.logger.Debug("Associated connection with user", slog.String("connID", connID.String()), slog.String("userID", userID))
	return user, nil
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemoryManager) GetUserConnections(userID string) ([]*transport.Connection, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	conns := make([]*transport.Connection, 0, len(user.Connections))
	for _, c := range user.Connections {
		conns = append(conns, c.Transport)
	}
	return conns, nil
}

// --- Resource & Membership Management ---

func (m *InMemoryManager) Join(connID uuid.UUID, resourceID, role string, perms state.Permission) (*state.Membership, error) {
	m.connMu.RLock()
	conn, ok := m.conns[connID]
	var user *state.User
	if ok {
		user = conn.User
	}
	m.connMu.RUnlock()
	if !ok {
		return nil, ErrUnknownConnection
	}

	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()

	if user == nil {
		return nil, errors.New("cannot join resource: connection has no user")
	}

	if ms, exists := user.Memberships[resourceID]; exists {
		ms.Connections[connID] = struct{}{}
		ms.Role = role
		ms.Permissions = perms
		return ms, nil
	}

	res, exists := m.resources[resourceID]
	if !exists {
		res = &state.Resource{
			ID:      resourceID,
			Members: make(map[string]*state.User),
		}
		m.resources[resourceID] = res
	}

	ms := &state.Membership{
		User:        user,
		Resource:    res,
		Role:        role,
		Permissions: perms,
		Connections: map[uuid.UUID]struct{}{connID: {}},
		JoinedAt:    time.Now(),
	}
	user.Memberships[resourceID] = ms
	res.Members[user.ID] = user

	m.logger.Debug("User joined resource", slog.String("userID", user.ID), slog.String("resourceID", resourceID), slog.String("role", role))
	return ms, nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, resourceID string) error {
	m.connMu.RLock()
	var user *state.User
	if conn, ok := m.conns[connID]; ok {
		user = conn.User
	}
	m.connMu.RUnlock()
	if user == nil {
		return nil
	}

	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()

	ms, ok := user.Memberships[resourceID]
	if !ok {
		m.logger.Debug("Leave ignored, not a member", slog.String("userID", user.ID), slog.String("resourceID", resourceID))
		return nil
	}
	m.dropConnLocked(user, ms, connID, resourceID)
	return nil
}

// dropConnLocked removes one connection from a membership. Caller holds
// userMu and resourceMu.
func (m *InMemoryManager) dropConnLocked(user *state.User, ms *state.Membership, connID uuid.UUID, resourceID string) {
	delete(ms.Connections, connID)
	if len(ms.Connections) > 0 {
		return
	}
	delete(user.Memberships, resourceID)
	delete(ms.Resource.Members, user.ID)
	if len(ms.Resource.Members) == 0 {
		delete(m.resources, resourceID)
		m.logger.Debug("Removed empty resource", slog.String("resourceID", resourceID))
	}
	m.logger.Debug("User left resource", slog.String("userID", user.ID), slog.String("resourceID", resourceID))
}

func (m *InMemoryManager) GetResourceMembers(resourceID string) ([]*state.User, error) {
	m.resourceMu.RLock()
	defer m.resourceMu.RUnlock()

	res, ok := m.resources[resourceID]
	if !ok {
		return nil, errors.New("resource not found")
	}
	members := make([]*state.User, 0, len(res.Members))
	for _, u := range res.Members {
		members = append(members, u)
	}
	return members, nil
}

func (m *InMemoryManager) FindResource(resourceID string) (*state.Resource, bool) {
	m.resourceMu.RLock()
	defer m.resourceMu.RUnlock()
	res, ok := m.resources[resourceID]
	return res, ok
}

// --- Permission Management ---

func (m *InMemoryManager) GetMembership(userID, resourceID string) (*state.Membership, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	ms, ok := user.Memberships[resourceID]
	return ms, ok
}

func (m *InMemoryManager) MembershipOf(connID uuid.UUID, resourceID string) (state.Membership, bool) {
	m.connMu.RLock()
	var user *state.User
	if conn, ok := m.conns[connID]; ok {
		user = conn.User
	}
	m.connMu.RUnlock()
	if user == nil {
		return state.Membership{}, false
	}

	m.userMu.RLock()
	defer m.userMu.RUnlock()
	ms, ok := user.Memberships[resourceID]
	if !ok {
		return state.Membership{}, false
	}
	if _, joined := ms.Connections[connID]; !joined {
		return state.Membership{}, false
	}
	cp := *ms
	cp.Connections = nil
	return cp, true
}

func (m *InMemoryManager) SetPermissions(userID, resourceID, role string, perms state.Permission) error {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	ms, ok := user.Memberships[resourceID]
	if !ok {
		return ErrNotMember
	}
	ms.Role = role
	ms.Permissions = perms
	return nil
}

// --- Modifier store Management ---

func (m *InMemoryManager) GetModifierState(modifierName, userID, eventName string) (*state.ModifierState, bool) {
	m.modMu.Lock()
	defer m.modMu.Unlock()
	st, ok := m.modifiers[modifierKey{modifierName, userID, eventName}]
	return st, ok
}

func (m *InMemoryManager) SetModifierState(modifierName, userID, eventName string, st *state.ModifierState) {
	m.modMu.Lock()
	defer m.modMu.Unlock()
	key := modifierKey{modifierName, userID, eventName}
	if prev, ok := m.modifiers[key]; ok && prev != st && prev.Timer != nil {
		prev.Timer.Stop()
	}
	m.modifiers[key] = st
}

func (m *InMemoryManager) DeleteModifierState(modifierName, userID, eventName string) {
	m.modMu.Lock()
	defer m.modMu.Unlock()
	key := modifierKey{modifierName, userID, eventName}
	if prev, ok := m.modifiers[key]; ok && prev.Timer != nil {
		prev.Timer.Stop()
	}
	delete(m.modifiers, key)
}
