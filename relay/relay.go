// Package relay routes decoded client frames through the session state
// machine. It owns no transport: the server hands it a session.Conn and the
// raw bytes of each text frame, and the relay answers through the same
// connection or through the counterpart held in the registry.
//
// Session states are implicit in the registry. A session that only has an
// initiator is unpaired, one with both slots bound is active, and a session
// that has been removed from the registry is ended.
package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-relay/eventing"
	"github.com/agentuity/go-relay/logger"
	"github.com/agentuity/go-relay/protocol"
	"github.com/agentuity/go-relay/session"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "@agentuity/go-relay/relay"

// Stats is the operational snapshot exposed to admin tooling.
type Stats struct {
	ActiveConnections        int64 `json:"activeConnections"`
	ActiveSessions           int   `json:"activeSessions"`
	TotalParticipantBindings int   `json:"totalParticipantBindings"`
}

type Relay struct {
	registry           *session.Registry
	logger             logger.Logger
	publisher          eventing.Publisher
	tracer             trace.Tracer
	now                func() time.Time
	notifyOnDisconnect bool
	connections        atomic.Int64
}

type Option func(*Relay)

// WithPublisher sets the lifecycle event publisher. The default discards.
// Publish is called synchronously from Handle.
func WithPublisher(p eventing.Publisher) Option {
	return func(r *Relay) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithClock replaces time.Now for error envelopes and events.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// WithNotifyOnDisconnect sends session_ended to the surviving participant when
// the other side's transport closes.
func WithNotifyOnDisconnect(notify bool) Option {
	return func(r *Relay) {
		r.notifyOnDisconnect = notify
	}
}

func New(registry *session.Registry, log logger.Logger, opts ...Option) *Relay {
	r := &Relay{
		registry:  registry,
		logger:    log.WithPrefix("[relay]"),
		publisher: eventing.NewNopPublisher(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the relay operates on.
func (r *Relay) Registry() *session.Registry {
	return r.registry
}

// Connect registers a newly accepted connection.
func (r *Relay) Connect(conn session.Conn) {
	n := r.connections.Add(1)
	r.logger.Debug("connection %s opened (%d open)", conn.ID(), n)
}

// Disconnect tears down every session the connection holds a slot in. It is
// called once when the transport closes or fails.
func (r *Relay) Disconnect(ctx context.Context, conn session.Conn) {
	n := r.connections.Add(-1)
	ended := r.registry.Disconnect(conn.ID(), r.notifyOnDisconnect)
	for _, info := range ended {
		r.logger.Info("session %s ended by disconnect of %s", info.SessionID, conn.ID())
		r.publish(ctx, eventing.Event{Kind: eventing.KindEnded, SessionID: info.SessionID, Reason: eventing.ReasonDisconnect})
	}
	r.logger.Debug("connection %s closed (%d open)", conn.ID(), n)
}

// Handle processes one inbound text frame from conn. Protocol and state
// failures are reported to conn as error envelopes; the connection is never
// closed because of a bad frame.
func (r *Relay) Handle(ctx context.Context, conn session.Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		r.logger.Debug("invalid frame from %s: %s", conn.ID(), err)
		r.reply(conn, protocol.Error(protocol.ReasonInvalidFormat, r.now()))
		return
	}

	ctx, span := r.tracer.Start(ctx, "relay."+string(env.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", env.SessionID),
			attribute.String("connection.id", conn.ID()),
		),
	)
	defer span.End()

	r.logger.Trace("received %s for session %s", env.Type, env.SessionID)

	switch env.Type {
	case protocol.TypeInitConnection:
		r.handleInit(ctx, conn, env)
	case protocol.TypeTranslationMessage:
		if err := r.handleRelay(conn, env); err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	case protocol.TypeHeartbeat:
		r.reply(conn, protocol.HeartbeatResponse(env.SessionID, r.now()))
	case protocol.TypeEndSession:
		r.handleEnd(ctx, env)
	default:
		span.SetStatus(codes.Error, protocol.ReasonUnknownType)
		r.reply(conn, protocol.Error(protocol.ReasonUnknownType, r.now()))
	}
}

func (r *Relay) handleInit(ctx context.Context, conn session.Conn, env *protocol.Envelope) {
	result := r.registry.Init(env.SessionID, env.UserID, conn)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("session.outcome", result.Outcome.String()))

	switch result.Outcome {
	case session.Created:
		r.logger.Info("created session %s with initiator %s", env.SessionID, env.UserID)
		r.publish(ctx, eventing.Event{Kind: eventing.KindCreated, SessionID: env.SessionID, ParticipantID: env.UserID})
	case session.Reconnected:
		r.logger.Info("initiator %s reconnected to session %s", env.UserID, env.SessionID)
		r.publish(ctx, eventing.Event{Kind: eventing.KindReconnected, SessionID: env.SessionID, ParticipantID: env.UserID})
	case session.Joined, session.Rejoined:
		r.logger.Info("joiner %s connected to session %s", env.UserID, env.SessionID)
		r.publish(ctx, eventing.Event{Kind: eventing.KindActive, SessionID: env.SessionID, ParticipantID: env.UserID})
	case session.Displaced:
		r.logger.Warn("joiner %s displaced %s in session %s", env.UserID, result.ReplacedUserID, env.SessionID)
		r.publish(ctx, eventing.Event{Kind: eventing.KindDisplaced, SessionID: env.SessionID, ParticipantID: result.ReplacedUserID})
		r.publish(ctx, eventing.Event{Kind: eventing.KindActive, SessionID: env.SessionID, ParticipantID: env.UserID})
	}
}

func (r *Relay) handleRelay(conn session.Conn, env *protocol.Envelope) error {
	err := r.registry.Relay(env.SessionID, conn, env.EncryptedMessage)
	switch {
	case err == nil:
		r.logger.Trace("relayed message in session %s", env.SessionID)
	case errors.Is(err, session.ErrNotActive):
		r.reply(conn, protocol.Error(protocol.ReasonSessionNotActive, r.now()))
	case errors.Is(err, session.ErrRecipientUnavailable):
		r.logger.Debug("recipient not available for session %s", env.SessionID)
	default:
		r.logger.Error("relay in session %s: %s", env.SessionID, err)
	}
	return err
}

func (r *Relay) handleEnd(ctx context.Context, env *protocol.Envelope) {
	if _, ok := r.registry.End(env.SessionID); !ok {
		r.logger.Debug("end_session for unknown session %s", env.SessionID)
		return
	}
	r.logger.Info("session %s ended by %s", env.SessionID, env.UserID)
	r.publish(ctx, eventing.Event{Kind: eventing.KindEnded, SessionID: env.SessionID, ParticipantID: env.UserID, Reason: eventing.ReasonEndSession})
}

func (r *Relay) reply(conn session.Conn, env *protocol.Envelope) {
	if !conn.Open() {
		return
	}
	if err := conn.Send(env); err != nil {
		r.logger.Debug("dropped %s to %s: %s", env.Type, conn.ID(), err)
	}
}

// publish runs after registry locks are released but on the caller's
// goroutine. Publishers that talk to a broker should be wrapped with
// eventing.NewAsyncPublisher, as the server does.
func (r *Relay) publish(ctx context.Context, event eventing.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish %s for session %s: %s", event.Kind, event.SessionID, err)
	}
}

// Reaped publishes an ended event for every session the sweeper evicted. It
// matches the sweeper's reap callback signature.
func (r *Relay) Reaped(infos []session.Info) {
	for _, info := range infos {
		r.publish(context.Background(), eventing.Event{Kind: eventing.KindEnded, SessionID: info.SessionID, Reason: eventing.ReasonReaped})
	}
}

// Shutdown ends every session, notifying connected participants.
func (r *Relay) Shutdown(ctx context.Context) []session.Info {
	closed := r.registry.Close()
	for _, info := range closed {
		r.publish(ctx, eventing.Event{Kind: eventing.KindEnded, SessionID: info.SessionID, Reason: eventing.ReasonShutdown})
	}
	if len(closed) > 0 {
		r.logger.Info("ended %d sessions on shutdown", len(closed))
	}
	return closed
}

func (r *Relay) Stats() Stats {
	rs := r.registry.Stats()
	return Stats{
		ActiveConnections:        r.connections.Load(),
		ActiveSessions:           rs.ActiveSessions,
		TotalParticipantBindings: rs.TotalParticipantBindings,
	}
}

// Sessions lists every live session ordered by start time.
func (r *Relay) Sessions() []session.Info {
	return r.registry.List()
}
