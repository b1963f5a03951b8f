package statemanager_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/state/statemanager"
	"github.com/a-essam23/go-collab/pkg/transport"
)

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(logging.Discard())
}

// The websocket is never touched by the manager, so nil is fine here.
func newTransportConn() *transport.Connection {
	var wg sync.WaitGroup
	return transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, logging.Discard())
}

func registerUser(t *testing.T, m *statemanager.InMemoryManager, userID string) *transport.Connection {
	t.Helper()
	conn := newTransportConn()
	if _, err := m.RegisterConnection(conn, "127.0.0.1"); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if _, err := m.AssociateUser(conn.ID(), userID, userID+"-name"); err != nil {
		t.Fatalf("AssociateUser failed: %v", err)
	}
	return conn
}

// --- Connection and User Management Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()

	stateConn, err := m.RegisterConnection(conn, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if _, err := m.RegisterConnection(conn, "127.0.0.1"); err == nil {
		t.Error("Expected duplicate registration to fail")
	}

	if _, found := m.GetConnection(conn.ID()); !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if all := m.AllConnections(); len(all) != 1 {
		t.Errorf("Expected 1 connection, got %d", len(all))
	}

	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if _, found := m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Errorf("Second DeregisterConnection should be a no-op, got %v", err)
	}
}

func TestUserAssociationAndConnectionCount(t *testing.T) {
	m := newTestManager()
	userID := "user-1"
	conn1 := registerUser(t, m, userID)
	registerUser(t, m, userID)

	count, _ := m.GetUserConnectionCount(userID)
	if count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}
	user, _ := m.FindUser(userID)
	if user.DisplayName != "user-1-name" {
		t.Errorf("Expected display name to be kept, got %q", user.DisplayName)
	}

	m.DeregisterConnection(conn1.ID())
	count, _ = m.GetUserConnectionCount(userID)
	if count != 1 {
		t.Errorf("Expected connection count 1 after deregister, got %d", count)
	}
}

func TestAssociateUnknownConnection(t *testing.T) {
	m := newTestManager()
	if _, err := m.AssociateUser(newTransportConn().ID(), "ghost", ""); err == nil {
		t.Error("Expected association with an unregistered connection to fail")
	}
}

func TestFindOldestUserConnection(t *testing.T) {
	m := newTestManager()
	userID := "user-cycle"
	conn1 := registerUser(t, m, userID)
	time.Sleep(5 * time.Millisecond)
	registerUser(t, m, userID)

	oldest, found := m.FindOldestUserConnection(userID)
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

// --- Resource Membership Tests ---

func TestResourceMembership(t *testing.T) {
	m := newTestManager()
	resourceID := "project-1"
	conn1 := registerUser(t, m, "owner")
	conn2 := registerUser(t, m, "viewer")

	if _, err := m.Join(conn1.ID(), resourceID, "owner", state.PermCanRead|state.PermCanWrite|state.PermCanManage); err != nil {
		t.Fatalf("owner failed to join: %v", err)
	}
	if _, err := m.Join(conn2.ID(), resourceID, "viewer", state.PermCanRead); err != nil {
		t.Fatalf("viewer failed to join: %v", err)
	}

	members, err := m.GetResourceMembers(resourceID)
	if err != nil {
		t.Fatalf("GetResourceMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}

	ms, ok := m.GetMembership("viewer", resourceID)
	if !ok {
		t.Fatal("Expected viewer membership")
	}
	if ms.Permissions.Has(state.PermCanWrite) {
		t.Error("Viewer must not carry the write permission")
	}

	m.Leave(conn1.ID(), resourceID)
	members, _ = m.GetResourceMembers(resourceID)
	if len(members) != 1 || members[0].ID != "viewer" {
		t.Fatalf("Expected only viewer to remain, got %d members", len(members))
	}

	m.Leave(conn2.ID(), resourceID)
	if _, found := m.FindResource(resourceID); found {
		t.Error("Expected resource to be removed after last member left")
	}
}

func TestMembershipSurvivesUntilLastConnectionLeaves(t *testing.T) {
	m := newTestManager()
	resourceID := "project-tabs"
	tab1 := registerUser(t, m, "u1")
	tab2 := registerUser(t, m, "u1")

	m.Join(tab1.ID(), resourceID, "editor", state.PermCanRead|state.PermCanWrite)
	m.Join(tab2.ID(), resourceID, "editor", state.PermCanRead|state.PermCanWrite)

	m.Leave(tab1.ID(), resourceID)
	if _, ok := m.GetMembership("u1", resourceID); !ok {
		t.Fatal("Membership dropped while another tab is still joined")
	}
	if _, ok := m.MembershipOf(tab1.ID(), resourceID); ok {
		t.Error("MembershipOf should not report a connection that left")
	}
	if ms, ok := m.MembershipOf(tab2.ID(), resourceID); !ok || ms.Role != "editor" {
		t.Error("MembershipOf should report the remaining tab")
	}

	// Closing the socket without an explicit leave still cleans up.
	m.DeregisterConnection(tab2.ID())
	if _, ok := m.GetMembership("u1", resourceID); ok {
		t.Error("Membership should be gone after the last connection deregistered")
	}
	if _, found := m.FindResource(resourceID); found {
		t.Error("Expected empty resource to be removed")
	}
}

func TestSetPermissions(t *testing.T) {
	m := newTestManager()
	conn := registerUser(t, m, "u1")
	m.Join(conn.ID(), "p", "viewer", state.PermCanRead)

	if err := m.SetPermissions("u1", "p", "editor", state.PermCanRead|state.PermCanWrite); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}
	ms, _ := m.GetMembership("u1", "p")
	if ms.Role != "editor" || !ms.Permissions.Has(state.PermCanWrite) {
		t.Errorf("Expected editor with write, got %s/%d", ms.Role, ms.Permissions)
	}

	if err := m.SetPermissions("u1", "other", "editor", state.PermCanRead); err != statemanager.ErrNotMember {
		t.Errorf("Expected ErrNotMember, got %v", err)
	}
}

func TestParsePermissions(t *testing.T) {
	p, err := state.ParsePermissions("read|write")
	if err != nil {
		t.Fatalf("ParsePermissions failed: %v", err)
	}
	if !p.Has(state.PermCanRead|state.PermCanWrite) || p.Has(state.PermCanManage) {
		t.Errorf("Unexpected bitmap %b", p)
	}
	if _, err := state.ParsePermissions("read|fly"); err == nil {
		t.Error("Expected unknown permission to fail")
	}
}

// --- Modifier State Tests ---

func TestModifierState_SetAndGet(t *testing.T) {
	m := newTestManager()
	testValue := "hello world"

	m.SetModifierState("test_mod", "user1", "event1", &state.ModifierState{Value: testValue})

	retrieved, found := m.GetModifierState("test_mod", "user1", "event1")
	if !found {
		t.Fatalf("GetModifierState: expected to find state, but did not")
	}
	if retrieved.Value != testValue {
		t.Errorf("GetModifierState: expected value '%s', got '%v'", testValue, retrieved.Value)
	}
	if _, found := m.GetModifierState("test_mod", "user1", "event2"); found {
		t.Error("GetModifierState: entries must be keyed by event")
	}
}

func TestModifierState_DeleteStopsTimer(t *testing.T) {
	m := newTestManager()
	var fired atomic.Bool

	timer := time.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	m.SetModifierState("test_timer_mod", "user1", "event1", &state.ModifierState{Value: "v", Timer: timer})
	m.DeleteModifierState("test_timer_mod", "user1", "event1")

	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Error("DeleteModifierState did not stop the timer")
	}
	if _, found := m.GetModifierState("test_timer_mod", "user1", "event1"); found {
		t.Error("DeleteModifierState: state still present")
	}
}

func TestModifierState_SetStopsPreviousTimer(t *testing.T) {
	m := newTestManager()
	var fired atomic.Bool

	timer1 := time.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	m.SetModifierState("test_timer_mod", "user1", "event1", &state.ModifierState{Value: "value1", Timer: timer1})
	m.SetModifierState("test_timer_mod", "user1", "event1", &state.ModifierState{Value: "value2"})

	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Error("SetModifierState did not stop the previous state's timer upon overwrite")
	}
}

func TestModifierState_Concurrency(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			userID := "user" + strconv.Itoa(i%10)
			eventName := "event" + strconv.Itoa(i%5)
			m.SetModifierState("concurrent_mod", userID, eventName, &state.ModifierState{Value: i})
		}(i)
		go func(i int) {
			defer wg.Done()
			m.GetModifierState("concurrent_mod", "user"+strconv.Itoa(i%10), "event"+strconv.Itoa(i%5))
		}(i)
	}
	wg.Wait()
}
