package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/protocol"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// callback executed once when the connection terminates, with the close
// code the connection went down with.
type OnCloseHandler func(connID uuid.UUID, code protocol.CloseCode, reason string)

type ConnectionConfig struct {
	ReadTimeout time.Duration
}

// ErrSendBufferFull is returned by Send when the outbound channel is
// saturated. The hub treats it as a connection fault.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned by Send after the connection has been
// closed.
var ErrConnectionClosed = errors.New("connection closed")

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	closeCode   protocol.CloseCode
	closeReason string

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)

	// Balanced by wg.Done in Close, which runs exactly once whether or
	// not the pumps ever started.
	wg.Add(1)
	return &Connection{
		id:     id,
		conn:   conn,
		logger: logger.With(slog.String("connID", id.String())),
		config: config,
		send:   make(chan []byte, 256), // Buffered channel
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established")
}

// readPump pumps messages from the WebSocket connection to the message
// handler.
func (c *Connection) readPump() {
	defer c.Close(protocol.CloseNormalShutdown, "read loop terminated")

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Warn("Failed to read inbound frame", slog.Any("error", err))
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket
// connection.
func (c *Connection) writePump() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				c.Close(protocol.CloseSendFailure, "write failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for delivery. It is safe for concurrent use and
// never blocks: a saturated buffer or a closed connection is reported as
// an error for the caller to treat as a connection fault.
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down with the given close code. It is
// idempotent; only the first call's code and reason are used.
func (c *Connection) Close(code protocol.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.logger.Debug("Transport connection closing",
			slog.String("code", code.String()),
			slog.String("reason", reason),
		)

		c.cancel() // Signal pumps to stop.
		c.conn.Close(websocket.StatusCode(code), reason)
		if c.onClose != nil {
			c.onClose(c.id, code, reason)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully
// terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
