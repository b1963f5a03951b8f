package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_SlowConsumerIsDropped(t *testing.T) {
	var closedWith error
	conn := transport.NewConnection(context.Background(), nil, nil,
		transport.ConnectionConfig{SendBuffer: 1}, nil,
		func(_ uuid.UUID, err error) { closedWith = err },
		logging.Discard())

	require.NoError(t, conn.Send([]byte("one")))
	assert.ErrorIs(t, conn.Send([]byte("two")), transport.ErrSlowConsumer)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
	}
	assert.ErrorIs(t, closedWith, transport.ErrSlowConsumer)
	assert.ErrorIs(t, conn.Send([]byte("three")), transport.ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	calls := 0
	conn := transport.NewConnection(context.Background(), nil, nil, transport.ConnectionConfig{}, nil,
		func(uuid.UUID, error) { calls++ }, logging.Discard())

	conn.Close(errors.New("first"))
	conn.Close(errors.New("second"))
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, conn.Send([]byte("late")), transport.ErrClosed)
}

func TestConnection_Echo(t *testing.T) {
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		var conn *transport.Connection
		conn = transport.NewConnection(r.Context(), &wg, ws, transport.ConnectionConfig{ReadTimeout: time.Second}, func(_ context.Context, _ uuid.UUID, msg []byte) {
			_ = conn.Send(append([]byte("echo:"), msg...))
		}, nil, logging.Discard())
		conn.Run()
		<-conn.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte("hi")))
	_, data, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(data))

	require.NoError(t, client.Close(websocket.StatusNormalClosure, ""))
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection goroutines did not finish")
	}
}
