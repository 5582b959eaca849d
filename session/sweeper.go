package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-relay/logger"
)

const (
	// DefaultSweepInterval is how often the sweeper scans the registry.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultSessionTTL is the age after which a session is reaped.
	DefaultSessionTTL = 30 * time.Minute
)

// Sweeper periodically ends sessions older than a threshold. Age is measured
// from creation; heartbeats and relayed traffic do not extend it.
type Sweeper struct {
	registry  *Registry
	logger    logger.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	onReap    func([]Info)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// WithSweeperClock replaces time.Now, for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithReapCallback is invoked after each sweep that ended at least one session.
func WithReapCallback(fn func([]Info)) SweeperOption {
	return func(s *Sweeper) {
		s.onReap = fn
	}
}

// NewSweeper returns a stopped sweeper bound to registry.
func NewSweeper(registry *Registry, log logger.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry:  registry,
		logger:    log.WithPrefix("[sweeper]"),
		interval:  DefaultSweepInterval,
		threshold: DefaultSessionTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the configured scan interval.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Threshold returns the configured session time-to-live.
func (s *Sweeper) Threshold() time.Duration { return s.threshold }

// Start launches the background loop. It stops when ctx is done or Stop is
// called. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Debug("started, interval=%s ttl=%s", s.interval, s.threshold)
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass and returns the sessions it ended.
func (s *Sweeper) Sweep() []Info {
	reaped := s.registry.Reap(s.now().Add(-s.threshold))
	for _, info := range reaped {
		s.logger.Info("reaped inactive session %s (started %s)", info.SessionID, info.StartTime.Format(time.RFC3339))
	}
	if len(reaped) > 0 && s.onReap != nil {
		s.onReap(reaped)
	}
	return reaped
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Debug("stopped")
}
