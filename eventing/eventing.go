// Package eventing publishes session lifecycle events so that dashboards and
// audit consumers can follow pairing activity without talking to the relay.
//
// Events describe state transitions only. They never carry relayed payloads.
package eventing

import (
	"context"
	"time"
)

// Kind identifies a lifecycle transition.
type Kind string

const (
	KindCreated     Kind = "session.created"
	KindReconnected Kind = "session.reconnected"
	KindActive      Kind = "session.active"
	KindDisplaced   Kind = "session.displaced"
	KindEnded       Kind = "session.ended"
)

// Reasons attached to KindEnded events.
const (
	ReasonEndSession = "end_session"
	ReasonDisconnect = "disconnect"
	ReasonReaped     = "reaped"
	ReasonShutdown   = "shutdown"
)

// Headers carries propagation metadata alongside an event.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Event is a single lifecycle transition.
type Event struct {
	Kind          Kind      `msgpack:"kind" json:"kind"`
	SessionID     string    `msgpack:"session_id" json:"session_id"`
	ParticipantID string    `msgpack:"participant_id,omitempty" json:"participant_id,omitempty"`
	Reason        string    `msgpack:"reason,omitempty" json:"reason,omitempty"`
	Timestamp     time.Time `msgpack:"timestamp" json:"timestamp"`
	Headers       Headers   `msgpack:"headers,omitempty" json:"-"`
}

// EventCallback receives events from a subscription.
type EventCallback func(ctx context.Context, event Event)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

// Publisher delivers lifecycle events.
type Publisher interface {
	// Publish sends an event. Implementations must return promptly.
	Publish(ctx context.Context, event Event) error
	// Close releases the publisher.
	Close() error
}

type nopPublisher struct{}

// NewNopPublisher returns a Publisher that discards every event.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func (nopPublisher) Close() error { return nil }
