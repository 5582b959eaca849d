// Package sessiontest provides an in-memory connection for exercising the
// session registry and relay without a network.
package sessiontest

import (
	"sync"

	"github.com/agentuity/go-relay/protocol"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("connection closed")

// Conn records every envelope sent to it.
type Conn struct {
	id     string
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
	closes int
}

// NewConn returns an open connection with a random id.
func NewConn() *Conn {
	return NewConnWithID(uuid.NewString())
}

// NewConnWithID returns an open connection with the given id.
func NewConnWithID(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Sent returns a snapshot of the envelopes delivered so far.
func (c *Conn) Sent() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentOf returns the delivered envelopes of a given type.
func (c *Conn) SentOf(t protocol.MessageType) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range c.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent envelope or nil.
func (c *Conn) Last() *protocol.Envelope {
	sent := c.Sent()
	if len(sent) == 0 {
		return nil
	}
	return sent[len(sent)-1]
}

// Reset drops the recorded envelopes.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// Closes reports how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
