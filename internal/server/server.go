package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mdhira/presenced/internal/broadcast"
	"github.com/mdhira/presenced/internal/config"
	"github.com/mdhira/presenced/internal/identity"
	"github.com/mdhira/presenced/internal/middleware"
	"github.com/mdhira/presenced/internal/presence"
	"github.com/mdhira/presenced/internal/store"
	"github.com/mdhira/presenced/internal/ws"
	"github.com/redis/go-redis/v9"
)

// Server wires the presence registry, broadcaster, heartbeat monitor
// and transport together behind one HTTP server.
type Server struct {
	cfg         *config.Config
	mux         *http.ServeMux
	httpSrv     *http.Server
	registry    *presence.Registry
	broadcaster *broadcast.Broadcaster
	monitor     *presence.Monitor
	conns       *ws.ConnManager
	sink        store.Sink
	resolver    identity.Resolver
}

// Option configures a Server.
type Option func(*Server)

// WithRedis persists presence rows through the given Redis client.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.sink = store.NewRedisSink(client, s.cfg.PresenceTTL())
	}
}

// WithResolver overrides the identity resolver. Used by tests.
func WithResolver(r identity.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a Server from the given configuration.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		sink:     store.NewMemorySink(),
		resolver: identity.NewJWTResolver(cfg.JWTSecret),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = presence.NewRegistry(
		presence.WithAnonymousInSnapshot(cfg.IncludeAnonymousInSnapshot),
	)
	s.broadcaster = broadcast.New(s.registry, s.sink)
	s.registry.OnEvent(s.broadcaster.Publish)
	s.monitor = presence.NewMonitor(s.registry, cfg.HeartbeatInterval(), cfg.AwayThreshold(), cfg.DeadThreshold())
	s.conns = ws.NewConnManager(ws.WithMaxConns(cfg.MaxConns))

	s.routes()
	return s
}

// Registry exposes the presence registry, mainly for tests.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the background workers and the HTTP server, blocking
// until the server stops.
func (s *Server) Run() error {
	go s.broadcaster.Run()
	go s.monitor.Run()

	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.mux,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, all live connections, and
// the background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.conns.Shutdown()
	s.monitor.Stop()
	s.broadcaster.Close()
	return err
}

func (s *Server) routes() {
	wsHandler := ws.NewHandler(s.registry, s.broadcaster, s.resolver, s.conns, s.cfg.AllowedOrigins)
	wsLimiter := middleware.NewIPRateLimiter(s.cfg.RateLimitWS, int(s.cfg.RateLimitWS)*2)
	apiLimiter := middleware.NewIPRateLimiter(s.cfg.RateLimitAPI, int(s.cfg.RateLimitAPI)*2)

	s.mux.Handle("GET /ws", middleware.RateLimit(wsLimiter, wsHandler))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /api/presence", middleware.RateLimit(apiLimiter, http.HandlerFunc(s.handlePresence)))
	s.mux.Handle("GET /api/presence/count", middleware.RateLimit(apiLimiter, http.HandlerFunc(s.handleCount)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"users": s.registry.Snapshot(),
		"count": s.registry.AggregateCount(),
	})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"count": s.registry.AggregateCount()})
}
