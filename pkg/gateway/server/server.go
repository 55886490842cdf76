package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/handlers"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/mw"
	"github.com/vango-go/vai-switchboard/pkg/gateway/ratelimit"
)

// Deps are the long-lived collaborators the gateway routes to. Everything is
// optional except Sessions, without which /v1/voice refuses connections.
type Deps struct {
	Sessions handlers.SessionFactory
	Bus      *messenger.Bus
	Tracker  *sessions.Tracker
	Pool     handlers.PoolStats
	Store    handlers.StoreHealth
	// Gatherer backs /metrics; defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
	limits *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = sessions.NewTracker()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limits: ratelimit.New(ratelimit.Config{
			RPS:         cfg.VoiceConnectRPS,
			Burst:       cfg.VoiceConnectBurst,
			MaxSessions: cfg.VoiceClientSessions,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:   s.cfg,
		Sessions: s.deps.Tracker,
		Pool:     s.deps.Pool,
		Store:    s.deps.Store,
	})
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:   s.cfg,
		Sessions: s.deps.Sessions,
		Bus:      s.deps.Bus,
		Tracker:  s.deps.Tracker,
		Limiter:  s.limits,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/sessions", handlers.SessionsHandler{Tracker: s.deps.Tracker})
	s.mux.Handle("/v1/sessions/{id}/events", handlers.SessionEventsHandler{
		Bus:          s.deps.Bus,
		Tracker:      s.deps.Tracker,
		PingInterval: s.cfg.VoicePingInterval,
		Logger:       s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining fails readiness and refuses new voice sessions.
func (s *Server) SetDraining() {
	s.deps.Tracker.SetDraining(true)
}

// NotifyDraining tells every live session the gateway is going away.
func (s *Server) NotifyDraining() int {
	return s.deps.Tracker.NotifyAll("draining", "gateway is shutting down")
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.deps.Tracker.Wait(ctx)
}

func (s *Server) CancelSessions() int {
	return s.deps.Tracker.CancelAll()
}

func (s *Server) ActiveSessions() int {
	return s.deps.Tracker.Count()
}
