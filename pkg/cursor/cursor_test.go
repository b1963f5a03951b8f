package cursor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/cursor"
	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 30 * time.Millisecond

func join(t *testing.T, b *memory.Broker, id identity.Identity, onRemote func(cursor.State)) *cursor.Session {
	t.Helper()
	s, err := cursor.Join(context.Background(), b, "R", id, cursor.Config{Debounce: window}, logging.Discard(), onRemote)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func collect(t *testing.T, ch <-chan cursor.State, quiet time.Duration) []cursor.State {
	t.Helper()
	var out []cursor.State
	for {
		select {
		case st := <-ch:
			out = append(out, st)
		case <-time.After(quiet):
			return out
		}
	}
}

func TestCursor_RemoteSeesSelectionAfterDebounce(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()

	got := make(chan cursor.State, 8)
	a := join(t, b, identity.New("A", "Ann"), nil)
	bob := join(t, b, identity.New("B", "Bob"), func(st cursor.State) { got <- st })

	require.NoError(t, a.UpdateSelection("script", 10, 15))

	select {
	case st := <-got:
		assert.Equal(t, "A", st.UserID)
		assert.Equal(t, "Ann", st.DisplayName)
		assert.Equal(t, identity.ColorFor("A"), st.Color)
		require.NotNil(t, st.Selection)
		assert.Equal(t, cursor.Selection{Field: "script", Start: 10, End: 15}, *st.Selection)
	case <-time.After(time.Second):
		t.Fatal("selection never arrived")
	}
	assert.Contains(t, bob.Remote(), "A")
}

func TestCursor_BurstCoalescesToLastSelection(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()

	got := make(chan cursor.State, 32)
	a := join(t, b, identity.New("A", "Ann"), nil)
	join(t, b, identity.New("B", "Bob"), func(st cursor.State) { got <- st })

	for i := 0; i < 10; i++ {
		require.NoError(t, a.UpdateSelection("script", i, i+1))
	}

	states := collect(t, got, 5*window)
	require.Len(t, states, 1)
	assert.Equal(t, 9, states[0].Selection.Start)
	assert.Equal(t, 10, states[0].Selection.End)
}

func TestCursor_IdenticalSelectionNotRebroadcast(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()

	got := make(chan cursor.State, 8)
	a := join(t, b, identity.New("A", "Ann"), nil)
	join(t, b, identity.New("B", "Bob"), func(st cursor.State) { got <- st })

	require.NoError(t, a.UpdateSelection("script", 3, 7))
	require.Len(t, collect(t, got, 4*window), 1)

	require.NoError(t, a.UpdateSelection("script", 7, 3)) // same range, reversed
	assert.Empty(t, collect(t, got, 4*window))

	require.NoError(t, a.UpdateSelection("scene", 3, 7)) // different field
	assert.Len(t, collect(t, got, 4*window), 1)
}

// flakyBroker fails its first Publish.
type flakyBroker struct {
	*memory.Broker
	mu     sync.Mutex
	failed bool
}

func (b *flakyBroker) Publish(ctx context.Context, topic string, ev pubsub.Event) error {
	b.mu.Lock()
	fail := !b.failed
	b.failed = true
	b.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return b.Broker.Publish(ctx, topic, ev)
}

func TestCursor_FailedBroadcastRetriedOnSameSelection(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()

	got := make(chan cursor.State, 8)
	a, err := cursor.Join(context.Background(), &flakyBroker{Broker: b}, "R", identity.New("A", "Ann"), cursor.Config{Debounce: window}, logging.Discard(), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	join(t, b, identity.New("B", "Bob"), func(st cursor.State) { got <- st })

	require.NoError(t, a.UpdateSelection("script", 3, 7))
	assert.Empty(t, collect(t, got, 4*window))

	require.NoError(t, a.UpdateSelection("script", 3, 7))
	states := collect(t, got, 4*window)
	require.Len(t, states, 1)
	assert.Equal(t, cursor.Selection{Field: "script", Start: 3, End: 7}, *states[0].Selection)
}

func TestCursor_ClearRemovesRemoteState(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()

	got := make(chan cursor.State, 8)
	a := join(t, b, identity.New("A", "Ann"), nil)
	bob := join(t, b, identity.New("B", "Bob"), func(st cursor.State) { got <- st })

	require.NoError(t, a.UpdateSelection("script", 1, 2))
	require.Len(t, collect(t, got, 4*window), 1)

	a.ClearSelection()
	cleared := collect(t, got, 4*window)
	require.Len(t, cleared, 1)
	assert.Nil(t, cleared[0].Selection)
	assert.NotContains(t, bob.Remote(), "A")
}

func TestCursor_OwnBroadcastsIgnoredAndRetainPrunes(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()

	self := make(chan cursor.State, 8)
	other := make(chan cursor.State, 8)
	a := join(t, b, identity.New("A", "Ann"), func(st cursor.State) { self <- st })
	bob := join(t, b, identity.New("B", "Bob"), func(st cursor.State) { other <- st })

	require.NoError(t, a.UpdateSelection("script", 0, 4))
	require.Len(t, collect(t, other, 4*window), 1)
	assert.Empty(t, collect(t, self, window))

	bob.Retain([]string{"someone-else"})
	assert.Empty(t, bob.Remote())
}

func TestCursor_RejectsNegativeOffsets(t *testing.T) {
	b := memory.New(logging.Discard())
	defer b.Close()
	a := join(t, b, identity.New("A", "Ann"), nil)
	assert.ErrorIs(t, a.UpdateSelection("script", -1, 3), cursor.ErrInvalidSelection)
}

func TestCoordinates(t *testing.T) {
	m := cursor.Metrics{LineHeight: 20, CharWidth: 8, PaddingTop: 4, PaddingLeft: 6, ScrollTop: 10, ScrollLeft: 2}
	text := "FADE IN:\nINT. HOUSE\nDAY"

	tests := []struct {
		name   string
		offset int
		want   cursor.Point
	}{
		{"start", 0, cursor.Point{Top: -6, Left: 4}},
		{"first line end", 8, cursor.Point{Top: -6, Left: 68}},
		{"second line start", 9, cursor.Point{Top: 14, Left: 4}},
		{"second line col 4", 13, cursor.Point{Top: 14, Left: 36}},
		{"clamped past end", 999, cursor.Point{Top: 34, Left: 28}},
		{"negative clamps to start", -5, cursor.Point{Top: -6, Left: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cursor.Coordinates(text, tt.offset, m))
		})
	}
}

func TestCoordinates_CountsRunesNotBytes(t *testing.T) {
	m := cursor.Metrics{LineHeight: 10, CharWidth: 10}
	assert.Equal(t, cursor.Point{Top: 0, Left: 30}, cursor.Coordinates("éèà-rest", 3, m))
}
