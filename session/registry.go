package session

import (
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-relay/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// DefaultShards is the number of lock shards used when no option overrides it.
const DefaultShards = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry maps session ids to sessions and participant ids to the session
// they are bound to. It is constructed when the server starts and closed when
// it stops.
//
// Lock order: a shard lock may be held while taking bindMu, never the reverse.
type Registry struct {
	shards   []*shard
	bindMu   sync.Mutex
	bindings map[string]string
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithShards sets the number of lock shards.
func WithShards(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		shards:   make([]*shard, DefaultShards),
		bindings: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	return r.shards[xxhash.Sum64String(sessionID)%uint64(len(r.shards))]
}

// send delivers env when c is present and open. Failures are ignored, the
// transport has already dropped the envelope.
func send(c Conn, env *protocol.Envelope) {
	if c != nil && c.Open() {
		_ = c.Send(env)
	}
}

// Init binds conn to the session as initiator or joiner and answers with the
// confirmation envelope. When the joiner binds, both slots receive
// session_active before the joiner's confirmation. The check and the
// mutation happen under one lock, so two racing joiners are serialised: the
// second one observes an active session and takes the joiner slot over.
func (r *Registry) Init(sessionID, userID string, conn Conn) InitResult {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := r.now()
	var result InitResult
	s, ok := sh.sessions[sessionID]
	switch {
	case !ok:
		s = &Session{
			ID:          sessionID,
			InitiatorID: userID,
			Initiator:   conn,
			CreatedAt:   now,
		}
		sh.sessions[sessionID] = s
		result.Outcome = Created
	case s.InitiatorID == userID:
		result.Outcome = Reconnected
		result.Replaced = s.Initiator
		s.Initiator = conn
	default:
		switch {
		case s.JoinerID == "":
			result.Outcome = Joined
		case s.JoinerID == userID:
			result.Outcome = Rejoined
		default:
			result.Outcome = Displaced
			result.ReplacedUserID = s.JoinerID
			r.unbind(s.JoinerID, sessionID)
		}
		result.Replaced = s.Joiner
		s.JoinerID = userID
		s.Joiner = conn
		s.Active = true
		active := protocol.Active(sessionID, now)
		send(s.Initiator, active)
		send(s.Joiner, active)
	}
	r.bind(userID, sessionID)
	result.Active = s.Active
	send(conn, protocol.Confirmed(sessionID, userID, s.Active, now))
	return result
}

// Relay forwards payload from conn to the other slot of the session. It
// returns ErrNotActive when the session is missing or unpaired and
// ErrRecipientUnavailable when the payload was dropped.
func (r *Registry) Relay(sessionID string, conn Conn, payload string) error {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[sessionID]
	if !ok || !s.Active {
		return ErrNotActive
	}
	recipient := s.counterpart(conn.ID())
	if recipient == nil || !recipient.Open() {
		return ErrRecipientUnavailable
	}
	if err := recipient.Send(protocol.Relayed(sessionID, payload, r.now())); err != nil {
		return errors.Mark(errors.Wrap(err, "relay send"), ErrRecipientUnavailable)
	}
	return nil
}

// End notifies both open slots with session_ended and tears the session down.
// It reports false when the session does not exist.
func (r *Registry) End(sessionID string) (Info, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	r.teardownLocked(sh, s, true)
	return s.info(), true
}

// Disconnect tears down every session in which the connection holds a slot.
// When notifyPeer is set the other slot receives session_ended first.
func (r *Registry) Disconnect(connID string, notifyPeer bool) []Info {
	var ended []Info
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			role := s.RoleOf(connID)
			if role == RoleNone {
				continue
			}
			if notifyPeer {
				send(s.counterpart(connID), protocol.Ended(s.ID, r.now()))
			}
			r.teardownLocked(sh, s, false)
			ended = append(ended, s.info())
		}
		sh.mu.Unlock()
	}
	return ended
}

// Reap ends every session created before cutoff, notifying open slots.
func (r *Registry) Reap(cutoff time.Time) []Info {
	var reaped []Info
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if s.CreatedAt.Before(cutoff) {
				r.teardownLocked(sh, s, true)
				reaped = append(reaped, s.info())
			}
		}
		sh.mu.Unlock()
	}
	return reaped
}

// Close ends every session, notifying open slots. The registry stays usable.
func (r *Registry) Close() []Info {
	var closed []Info
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			r.teardownLocked(sh, s, true)
			closed = append(closed, s.info())
		}
		sh.mu.Unlock()
	}
	return closed
}

// teardownLocked removes s from its shard, releases both participant
// bindings and closes both slots. The caller holds sh.mu.
func (r *Registry) teardownLocked(sh *shard, s *Session, notify bool) {
	if notify {
		ended := protocol.Ended(s.ID, r.now())
		send(s.Initiator, ended)
		send(s.Joiner, ended)
	}
	r.unbind(s.InitiatorID, s.ID)
	if s.JoinerID != "" {
		r.unbind(s.JoinerID, s.ID)
	}
	if s.Initiator != nil {
		_ = s.Initiator.Close()
	}
	if s.Joiner != nil {
		_ = s.Joiner.Close()
	}
	delete(sh.sessions, s.ID)
}

func (r *Registry) bind(userID, sessionID string) {
	r.bindMu.Lock()
	r.bindings[userID] = sessionID
	r.bindMu.Unlock()
}

// unbind removes the participant binding only if it still points at
// sessionID; the participant may already have moved to another session.
func (r *Registry) unbind(userID, sessionID string) {
	r.bindMu.Lock()
	if r.bindings[userID] == sessionID {
		delete(r.bindings, userID)
	}
	r.bindMu.Unlock()
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (Info, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Binding returns the session a participant is bound to.
func (r *Registry) Binding(userID string) (string, bool) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	id, ok := r.bindings[userID]
	return id, ok
}

// List returns a snapshot of every session ordered by start time.
func (r *Registry) List() []Info {
	out := make([]Info, 0)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			out = append(out, s.info())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Stats counts sessions and participant bindings.
func (r *Registry) Stats() Stats {
	var stats Stats
	for _, sh := range r.shards {
		sh.mu.Lock()
		stats.ActiveSessions += len(sh.sessions)
		sh.mu.Unlock()
	}
	r.bindMu.Lock()
	stats.TotalParticipantBindings = len(r.bindings)
	r.bindMu.Unlock()
	return stats
}
