package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-relay/logger"
	"github.com/agentuity/go-relay/protocol"
	"github.com/agentuity/go-relay/session"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed       = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	closeMessageTimeout = time.Second
)

// wsConn adapts a websocket to session.Conn. Envelopes are queued on a
// bounded channel and written by a single writer goroutine, so Send never
// blocks the caller. After Close the writer flushes what is already queued,
// sends a close frame and closes the socket.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	logger       logger.Logger
	writeTimeout time.Duration
	send         chan *protocol.Envelope
	done         chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once
	dropped      atomic.Int64
}

var _ session.Conn = (*wsConn)(nil)

func newConn(ws *websocket.Conn, log logger.Logger, buffer int, writeTimeout time.Duration) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:           id,
		ws:           ws,
		logger:       logger.WithKV(log, "conn", id),
		writeTimeout: writeTimeout,
		send:         make(chan *protocol.Envelope, buffer),
		done:         make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Open() bool { return !c.closed.Load() }

func (c *wsConn) Send(env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- env:
		return nil
	default:
		c.dropped.Add(1)
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *wsConn) write(env *protocol.Envelope) error {
	buf, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}

// writeLoop owns every write to the socket and closes it on exit.
func (c *wsConn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				c.logger.Debug("write failed: %s", err)
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeMessageTimeout))
			if n := c.dropped.Load(); n > 0 {
				c.logger.Debug("dropped %d envelopes on a full send buffer", n)
			}
			return
		}
	}
}
