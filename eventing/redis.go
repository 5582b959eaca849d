package eventing

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-relay/logger"
	"github.com/agentuity/go-relay/resilience"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultChannel is the redis pub/sub channel events are published on.
	DefaultChannel = "relay:sessions"
	// DefaultPublishTimeout bounds a single PUBLISH round trip.
	DefaultPublishTimeout = 2 * time.Second
)

type redisPublisher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
	logger  logger.Logger
	breaker *resilience.Breaker
	once    sync.Once
}

var _ Publisher = (*redisPublisher)(nil)

// RedisOption configures the redis publisher.
type RedisOption func(*redisPublisher)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) RedisOption {
	return func(p *redisPublisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) RedisOption {
	return func(p *redisPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker. While it is open events
// are dropped without a round trip to redis.
func WithBreaker(b *resilience.Breaker) RedisOption {
	return func(p *redisPublisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

// NewRedisPublisher publishes msgpack encoded events on a redis channel. The
// caller owns rdb; Close does not close it.
func NewRedisPublisher(log logger.Logger, rdb *redis.Client, opts ...RedisOption) Publisher {
	p := &redisPublisher{
		rdb:     rdb,
		channel: DefaultChannel,
		timeout: DefaultPublishTimeout,
		logger:  log.WithPrefix("[eventing]"),
		breaker: resilience.New(resilience.DefaultConfig(), nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *redisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Headers == nil {
		event.Headers = make(Headers)
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, event.Headers)

	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.kind", string(event.Kind)),
			attribute.String("session.id", event.SessionID),
		),
	)
	defer span.End()

	payload, err := msgpack.Marshal(&event)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "marshal event")
	}

	if err := p.breaker.Allow(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrapf(err, "publish %s", event.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.rdb.Publish(ctx, p.channel, payload).Err()
	if from, to := p.breaker.Done(err); from != to {
		p.logger.Info("publish breaker %s -> %s", from, to)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrapf(err, "publish %s", event.Kind)
	}
	span.SetStatus(codes.Ok, "event published")
	return nil
}

func (p *redisPublisher) Close() error {
	p.once.Do(func() {
		p.logger.Debug("publisher closed")
	})
	return nil
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisSubscriber) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe delivers events published on channel to cb until the returned
// subscriber is closed or ctx is done. Payloads that fail to decode are
// logged and skipped.
func Subscribe(ctx context.Context, log logger.Logger, rdb *redis.Client, channel string, cb EventCallback) (Subscriber, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &redisSubscriber{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	ch := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Warn("dropping undecodable event on %s: %s", channel, err)
					continue
				}
				cb(propagator.Extract(ctx, event.Headers), event)
			}
		}
	}()
	return sub, nil
}
