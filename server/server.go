// Package server exposes the relay over WebSocket and serves a small JSON
// admin surface on the same listener.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentuity/go-relay/config"
	"github.com/agentuity/go-relay/eventing"
	"github.com/agentuity/go-relay/logger"
	"github.com/agentuity/go-relay/protocol"
	"github.com/agentuity/go-relay/relay"
	"github.com/agentuity/go-relay/session"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyRunning = errors.New("relay server is already running")

type Server struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logger.Logger
	config    *config.Config
	registry  *session.Registry
	relay     *relay.Relay
	sweeper   *session.Sweeper
	publisher eventing.Publisher
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	running  bool
	stopping bool
	listener net.Listener
	http     *http.Server
	conns    map[string]*wsConn
	wg       sync.WaitGroup
	once     sync.Once
	serveErr chan error
	stopped  chan struct{}
}

type Option func(*Server)

// WithPublisher sets the lifecycle event publisher. Events reach it through
// a bounded queue; Stop drains the queue and closes it.
func WithPublisher(p eventing.Publisher) Option {
	return func(s *Server) {
		if p != nil {
			s.publisher = p
		}
	}
}

// New validates cfg and builds a stopped server.
func New(ctx context.Context, log logger.Logger, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid relay config")
	}
	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		ctx:       serverCtx,
		cancel:    cancel,
		logger:    log.WithPrefix("[server]"),
		config:    cfg,
		publisher: eventing.NewNopPublisher(),
		conns:     make(map[string]*wsConn),
		serveErr:  make(chan error, 1),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publisher = eventing.NewAsyncPublisher(log, s.publisher, eventing.DefaultQueueSize)
	s.registry = session.NewRegistry()
	s.relay = relay.New(s.registry, log,
		relay.WithPublisher(s.publisher),
		relay.WithNotifyOnDisconnect(cfg.NotifyOnDisconnect),
	)
	s.sweeper = session.NewSweeper(s.registry, log,
		session.WithSweepInterval(cfg.SweepInterval.Std()),
		session.WithSessionTTL(cfg.SessionTTL.Std()),
		session.WithReapCallback(s.relay.Reaped),
	)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// participants connect from arbitrary origins, there is no browser session to protect
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s, nil
}

// Relay returns the state machine behind the server.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// Handler routes WebSocket upgrades on / and /ws and the admin endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleWebSocket)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start listens on the configured address and starts the sweeper.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopping {
		return errors.New("relay server stopped")
	}

	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.Addr())
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.running = true

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- errors.Wrap(err, "serve")
		}
	}()
	s.sweeper.Start(s.ctx)

	s.logger.Info("relay server listening on %s", listener.Addr())
	return nil
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Addr is the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down, ends every session with a session_ended
// notice, closes remaining connections and waits for their handlers. Safe to
// call more than once.
func (s *Server) Stop() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		running := s.running
		s.running = false
		s.stopping = true
		s.mu.Unlock()
		defer close(s.stopped)
		defer s.cancel()

		if !running {
			err = s.publisher.Close()
			return
		}
		s.logger.Info("stopping relay server")

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout.Std())
		defer cancel()

		if serr := s.http.Shutdown(ctx); serr != nil {
			err = errors.Wrap(serr, "http shutdown")
		}
		s.sweeper.Stop()
		s.relay.Shutdown(ctx)

		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("timed out waiting for connections to close")
		}

		if perr := s.publisher.Close(); perr != nil && err == nil {
			err = errors.Wrap(perr, "close publisher")
		}
		s.logger.Info("relay server stopped")
	})
	return err
}

// Run starts the server and blocks until ctx is done or serving fails, then
// stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-s.serveErr:
			return err
		case <-s.stopped:
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return s.Stop()
		case <-s.stopped:
			return nil
		}
	})
	return g.Wait()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}
	c := newConn(ws, s.logger, s.config.SendBuffer, s.config.WriteTimeout.Std())
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)
	s.serveConn(c)
}

// serveConn runs the read loop for one connection. Frames are handled in
// arrival order on this goroutine.
func (s *Server) serveConn(c *wsConn) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	s.relay.Connect(c)
	c.ws.SetReadLimit(s.config.MaxMessageBytes)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && c.Open() {
				c.logger.Debug("read failed: %s", err)
			}
			break
		}
		if mt != websocket.TextMessage {
			_ = c.Send(protocol.Error(protocol.ReasonInvalidFormat, time.Now()))
			continue
		}
		s.relay.Handle(s.ctx, c, data)
	}
	s.relay.Disconnect(s.ctx, c)
	c.Close()
	<-writerDone
}
