package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrSlowConsumer = errors.New("transport: send buffer full")
)

// callback executed when a message is received. Messages of one connection
// are delivered sequentially, in arrival order.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for the next client frame. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// ReadLimit caps a single frame in bytes. Zero keeps the library default.
	ReadLimit int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig

	sendMu sync.RWMutex
	send   chan []byte
	closed bool

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	started   atomic.Bool

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	config = config.withDefaults()
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	if conn != nil && config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    logger.With(slog.String("connID", id.String())),
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.started.Store(true)
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()

	c.logger.Info("Connection established")
}

func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		typ, message, err := c.read()
		if err != nil {
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) read() (websocket.MessageType, []byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return 0, nil, err
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Warn("Failed to read message body", slog.Any("error", err))
		return 0, nil, err
	}
	return typ, message, nil
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for the client. It never blocks: a client that
// cannot keep up with its buffer is disconnected. Safe for concurrent use.
func (c *Connection) Send(message []byte) error {
	c.sendMu.RLock()
	if c.closed {
		c.sendMu.RUnlock()
		return ErrClosed
	}
	select {
	case c.send <- message:
		c.sendMu.RUnlock()
		return nil
	default:
	}
	c.sendMu.RUnlock()

	c.logger.Warn("Send buffer full, dropping connection")
	go c.Close(ErrSlowConsumer)
	return ErrSlowConsumer
}

// Close shuts the connection down once. Later calls are no-ops.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()

		status := websocket.CloseStatus(err)
		c.logger.Info("Connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close(closeStatusFor(err), "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.started.Load() {
			c.wg.Done()
		}
		close(c.done)
	})
}

func closeStatusFor(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return websocket.StatusPolicyViolation
	case errors.Is(err, context.Canceled):
		return websocket.StatusGoingAway
	}
	return websocket.StatusNormalClosure
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
