package presence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rosterSink chan presence.Roster

func (s rosterSink) onSync(r presence.Roster) { s <- r }

// waitFor returns the first delivered roster whose ids equal want.
func (s rosterSink) waitFor(t *testing.T, want ...string) presence.Roster {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-s:
			if assert.ObjectsAreEqual(want, r.UserIDs()) {
				return r
			}
		case <-deadline:
			t.Fatalf("roster %v never delivered", want)
			return nil
		}
	}
}

func newChannel(cfg presence.Config) (*presence.Channel, *memory.Broker) {
	b := memory.New(logging.Discard())
	return presence.New(b, cfg, logging.Discard()), b
}

func TestPresence_TwoUsersSeeEachOther(t *testing.T) {
	ctx := context.Background()
	ch, b := newChannel(presence.Config{})
	defer b.Close()

	aSink, bSink := make(rosterSink, 16), make(rosterSink, 16)
	a, err := ch.Join(ctx, "R", identity.New("A", "Ann"), aSink.onSync)
	require.NoError(t, err)
	defer a.Leave(ctx)

	bSub, err := ch.Join(ctx, "R", identity.New("B", "Bob"), bSink.onSync)
	require.NoError(t, err)
	defer bSub.Leave(ctx)

	gotA := aSink.waitFor(t, "B")
	assert.Equal(t, "Bob", gotA[0].DisplayName)
	assert.Equal(t, identity.ColorFor("B"), gotA[0].Color)
	bSink.waitFor(t, "A")
}

func TestPresence_SelfExclusionAcrossJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	ch, b := newChannel(presence.Config{})
	defer b.Close()

	local := make(rosterSink, 64)
	self, err := ch.Join(ctx, "R", identity.New("me", "Me"), local.onSync)
	require.NoError(t, err)
	defer self.Leave(ctx)
	local.waitFor(t)

	u1, _ := ch.Join(ctx, "R", identity.New("u1", "One"), nil)
	local.waitFor(t, "u1")
	u2, _ := ch.Join(ctx, "R", identity.New("u2", "Two"), nil)
	local.waitFor(t, "u1", "u2")

	require.NoError(t, u1.Leave(ctx))
	local.waitFor(t, "u2")
	require.NoError(t, u2.Leave(ctx))
	local.waitFor(t)

	assert.Empty(t, self.Roster())
	// Leave is idempotent.
	assert.NoError(t, u2.Leave(ctx))
}

func TestPresence_LaterJoinOverwritesSameUser(t *testing.T) {
	ctx := context.Background()
	ch, b := newChannel(presence.Config{})
	defer b.Close()

	watcher := make(rosterSink, 16)
	w, _ := ch.Join(ctx, "R", identity.New("w", "Watcher"), watcher.onSync)
	defer w.Leave(ctx)

	first, _ := ch.Join(ctx, "R", identity.New("u", "Old Name"), nil)
	defer first.Leave(ctx)
	second, _ := ch.Join(ctx, "R", identity.New("u", "New Name"), nil)
	defer second.Leave(ctx)

	require.Eventually(t, func() bool {
		r := w.Roster()
		return len(r) == 1 && r[0].DisplayName == "New Name"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPresence_UserStaysListedUntilLastTabLeaves(t *testing.T) {
	ctx := context.Background()
	ch, b := newChannel(presence.Config{})
	defer b.Close()

	observer := make(rosterSink, 64)
	o, err := ch.Join(ctx, "R", identity.New("o", "Observer"), observer.onSync)
	require.NoError(t, err)
	defer o.Leave(ctx)
	observer.waitFor(t)

	tab1, err := ch.Join(ctx, "R", identity.New("U", "Uma"), nil)
	require.NoError(t, err)
	tab2Sink := make(rosterSink, 64)
	tab2, err := ch.Join(ctx, "R", identity.New("U", "Uma"), tab2Sink.onSync)
	require.NoError(t, err)
	defer tab2.Leave(ctx)

	observer.waitFor(t, "U")
	// The user's other tab sees the observer but never itself.
	tab2Sink.waitFor(t, "o")

	require.NoError(t, tab1.Leave(ctx))
	// Give the untrack notification time to reach the observer.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"U"}, o.Roster().UserIDs())

	require.NoError(t, tab2.Leave(ctx))
	observer.waitFor(t)
}

func TestPresence_StaleRecordsDropOut(t *testing.T) {
	ctx := context.Background()
	ch, b := newChannel(presence.Config{HeartbeatInterval: 20 * time.Millisecond, StaleAfter: 100 * time.Millisecond})
	defer b.Close()

	// A peer whose node died: tracked once, never refreshed.
	ghost, _ := json.Marshal(presence.Record{UserID: "ghost", DisplayName: "Ghost", LastSeenAt: time.Now()})
	require.NoError(t, b.Track(ctx, pubsub.Topic("presence", "R"), "ghost", ghost))

	sink := make(rosterSink, 64)
	s, err := ch.Join(ctx, "R", identity.New("me", "Me"), sink.onSync)
	require.NoError(t, err)
	defer s.Leave(ctx)

	sink.waitFor(t, "ghost")
	sink.waitFor(t)
}

func TestPresence_JoinFailsOnClosedBroker(t *testing.T) {
	ch, b := newChannel(presence.Config{})
	require.NoError(t, b.Close())
	_, err := ch.Join(context.Background(), "R", identity.New("me", ""), nil)
	assert.ErrorIs(t, err, pubsub.ErrClosed)
}

func TestVisible(t *testing.T) {
	var r presence.Roster
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		r = append(r, presence.Record{UserID: id})
	}
	shown, overflow := presence.Visible(r, presence.DefaultVisible)
	assert.Len(t, shown, 5)
	assert.Equal(t, 2, overflow)

	shown, overflow = presence.Visible(r[:3], presence.DefaultVisible)
	assert.Len(t, shown, 3)
	assert.Zero(t, overflow)
}
