package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub pubsub.Subscription) pubsub.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return pubsub.Event{}
	}
}

func TestBroker_PublishIsFIFOPerSubscriber(t *testing.T) {
	ctx := context.Background()
	b := memory.New(logging.Discard())
	defer b.Close()

	sub, err := b.Subscribe(ctx, "chat:r1")
	require.NoError(t, err)
	defer sub.Close()

	// Publish more than any buffer would hold before reading anything.
	for i := 0; i < 500; i++ {
		require.NoError(t, b.Publish(ctx, "chat:r1", pubsub.Event{Kind: pubsub.KindBroadcast, Payload: []byte{byte(i % 256)}}))
	}
	for i := 0; i < 500; i++ {
		ev := next(t, sub)
		assert.Equal(t, byte(i%256), ev.Payload[0])
		assert.Equal(t, "chat:r1", ev.Topic)
	}
}

func TestBroker_TopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := memory.New(logging.Discard())
	defer b.Close()

	a, _ := b.Subscribe(ctx, "chat:a")
	other, _ := b.Subscribe(ctx, "chat:b")
	defer a.Close()
	defer other.Close()

	require.NoError(t, b.Publish(ctx, "chat:b", pubsub.Event{Kind: pubsub.KindBroadcast, Name: "only-b"}))
	assert.Equal(t, "only-b", next(t, other).Name)

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event on other topic: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_TrackAnnouncesAndOverwrites(t *testing.T) {
	ctx := context.Background()
	b := memory.New(logging.Discard())
	defer b.Close()

	sub, _ := b.Subscribe(ctx, "presence:r1")
	defer sub.Close()

	require.NoError(t, b.Track(ctx, "presence:r1", "u1", []byte("v1")))
	assert.Equal(t, pubsub.KindPresence, next(t, sub).Kind)
	require.NoError(t, b.Track(ctx, "presence:r1", "u1", []byte("v2")))
	next(t, sub)

	roster, err := b.Roster(ctx, "presence:r1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"u1": []byte("v2")}, roster)

	require.NoError(t, b.Untrack(ctx, "presence:r1", "u1"))
	assert.Equal(t, "u1", next(t, sub).Sender)
	roster, _ = b.Roster(ctx, "presence:r1")
	assert.Empty(t, roster)
}

func TestBroker_CloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := memory.New(logging.Discard())
	sub, _ := b.Subscribe(ctx, "t")
	require.NoError(t, b.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	_, err := b.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, pubsub.ErrClosed)
}
