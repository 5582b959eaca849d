// Package session holds the pairing state of the relay: the Session type, the
// sharded Registry that owns every live session, and the Sweeper that evicts
// sessions past their time-to-live.
//
// A session has two connection slots. The first participant to send
// init_connection for an unseen session id becomes the initiator; any other
// participant becomes the joiner and the session turns active. Connections
// are identified by a stable id rather than by reference, so the registry can
// tell which slot a frame came from.
//
// All reads and writes of a session happen under the lock of the shard that
// owns its id. Outbound envelopes that depend on session state are queued on
// the connections while that lock is held, which keeps pairing, relay and
// teardown atomic with respect to each other.
package session

import (
	"time"

	"github.com/agentuity/go-relay/protocol"
	"github.com/cockroachdb/errors"
)

var (
	// ErrNotActive is returned when a relay targets a session that does not
	// exist or is not paired.
	ErrNotActive = errors.New(protocol.ReasonSessionNotActive)
	// ErrRecipientUnavailable is returned when the counterpart slot is empty
	// or its connection is no longer open. The payload is dropped.
	ErrRecipientUnavailable = errors.New("recipient not available")
)

// Conn is the registry's view of a participant connection.
type Conn interface {
	// ID is stable for the lifetime of the connection.
	ID() string
	// Send queues an envelope for delivery. It must not block.
	Send(env *protocol.Envelope) error
	// Close closes the connection. It must be safe to call more than once.
	Close() error
	// Open reports whether the connection can still accept envelopes.
	Open() bool
}

// Role is the slot a connection occupies in a session.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleJoiner:
		return "joiner"
	default:
		return "none"
	}
}

// Session is the pairing unit between two participants.
type Session struct {
	ID          string
	InitiatorID string
	JoinerID    string
	Initiator   Conn
	Joiner      Conn
	// Active is set when the joiner binds and is not re-checked afterwards.
	Active bool
	// CreatedAt drives reaping and is never refreshed by traffic.
	CreatedAt time.Time
}

// RoleOf returns the slot held by the connection with the given id.
func (s *Session) RoleOf(connID string) Role {
	switch {
	case s.Initiator != nil && s.Initiator.ID() == connID:
		return RoleInitiator
	case s.Joiner != nil && s.Joiner.ID() == connID:
		return RoleJoiner
	default:
		return RoleNone
	}
}

// counterpart returns the connection in the other slot. A sender that holds
// neither slot is treated as the joiner side and its frames go to the
// initiator.
func (s *Session) counterpart(connID string) Conn {
	if s.RoleOf(connID) == RoleInitiator {
		return s.Joiner
	}
	return s.Initiator
}

func (s *Session) info() Info {
	return Info{
		SessionID:   s.ID,
		InitiatorID: s.InitiatorID,
		JoinerID:    s.JoinerID,
		IsActive:    s.Active,
		StartTime:   s.CreatedAt,
	}
}

// Info is a read-only snapshot of a session.
type Info struct {
	SessionID   string    `json:"sessionId"`
	InitiatorID string    `json:"initiatorId"`
	JoinerID    string    `json:"joinerId,omitempty"`
	IsActive    bool      `json:"isActive"`
	StartTime   time.Time `json:"startTime"`
}

// Stats summarises the registry.
type Stats struct {
	ActiveSessions           int `json:"activeSessions"`
	TotalParticipantBindings int `json:"totalParticipantBindings"`
}

// Outcome describes what an init_connection did.
type Outcome int

const (
	// Created means a new session was opened with the caller as initiator.
	Created Outcome = iota
	// Reconnected means the initiator replaced its connection.
	Reconnected
	// Joined means the caller bound the joiner slot and the session is active.
	Joined
	// Rejoined means the existing joiner replaced its connection.
	Rejoined
	// Displaced means a third identity took over the joiner slot.
	Displaced
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Reconnected:
		return "reconnected"
	case Joined:
		return "joined"
	case Rejoined:
		return "rejoined"
	case Displaced:
		return "displaced"
	default:
		return "unknown"
	}
}

// InitResult is returned by Registry.Init.
type InitResult struct {
	Outcome Outcome
	Active  bool
	// Replaced is the connection that previously held the caller's slot, if any.
	// It is left open.
	Replaced Conn
	// ReplacedUserID is the joiner identity evicted by a Displaced init.
	ReplacedUserID string
}
