// Package gateway terminates telephony WebSocket connections. It verifies
// upgrade signatures, upgrades the transport, and hands each connection to a
// [session.Session]. The same HTTP server exposes health probes and the
// Prometheus scrape endpoint.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/gateway/auth"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
)

// voicePath is the WebSocket upgrade route. Telephony platforms may append a
// trailing path segment (connection variant or test marker).
const voicePath = "/api/v1/voice"

const (
	readHeaderTimeout    = 10 * time.Second
	defaultShutdownGrace = 15 * time.Second
)

// reasonShutdown is sent to callers still connected when the gateway stops.
const reasonShutdown = "shutdown"

// Config parameterizes the gateway server.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// Verifier authenticates upgrade requests.
	Verifier *auth.Verifier

	// Session is the per-connection configuration template. Identity and
	// Logger are filled in for each accepted connection.
	Session session.Config

	// Readiness checkers are evaluated by /readyz.
	Readiness []health.Checker

	// ShutdownGrace bounds how long Run waits for live calls on shutdown.
	ShutdownGrace time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		health:   health.New(cfg.Readiness...),
		sessions: make(map[*session.Session]struct{}),
	}
}

// Handler returns the gateway's HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get(voicePath, s.handleUpgrade)
	r.Get(voicePath+"/{variant}", s.handleUpgrade)

	return r
}

// Run serves until ctx is cancelled, then drains live calls and shuts the
// HTTP server down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("gateway listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSCertFile != "")
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()

		s.drain(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleUpgrade authenticates and upgrades one telephony connection, then
// blocks for the life of the call.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Verifier.Verify(r.Context(), r)
	if err != nil {
		// The rejection detail is log-only; the client gets a bare 401.
		s.metrics.AuthFailures.Add(r.Context(), 1)
		s.log.Warn("upgrade rejected", "path", r.URL.Path, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	log := s.log.With(
		"session_id", identity.SessionID,
		"organization_id", identity.OrganizationID,
		"correlation_id", identity.CorrelationID,
	)

	cfg := s.cfg.Session
	cfg.Identity = identity
	cfg.Logger = log
	cfg.Metrics = s.metrics

	sess := session.New(newWSTransport(conn), cfg)
	s.track(sess)
	defer s.untrack(sess)

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	log.Info("connection upgraded")
	sess.Run(r.Context())
}

func (s *Server) track(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// drain ends every live call and waits, bounded by ctx, for their cleanup.
func (s *Server) drain(ctx context.Context) {
	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	if len(live) == 0 {
		return
	}
	s.log.Info("draining live sessions", "count", len(live))

	for _, sess := range live {
		sess.Terminate(reasonShutdown)
	}
	for _, sess := range live {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}
	}
}
