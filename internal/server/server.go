// Package server assembles the engine's components and exposes them over
// HTTP: the WebSocket endpoint, health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/config"
	"github.com/beewhoo/roomcast/internal/fanout"
	"github.com/beewhoo/roomcast/internal/gateway"
	"github.com/beewhoo/roomcast/internal/hub"
	"github.com/beewhoo/roomcast/internal/metrics"
	"github.com/beewhoo/roomcast/internal/replica"
	"github.com/beewhoo/roomcast/internal/room"
	"github.com/beewhoo/roomcast/internal/store"
)

// Options carries the host-provided collaborators that cannot come from
// the environment: the document store and the code-level hooks.
type Options struct {
	Store         store.Store
	Policies      map[string]fanout.Policy
	Filter        fanout.Filter
	Transform     fanout.Transform
	Authenticator auth.Authenticator
	Logger        zerolog.Logger
}

// Server owns the assembled engine and its HTTP listener.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	hub     *hub.Hub
	adapter *replica.Adapter
	rooms   *room.Manager
	engine  *fanout.Engine
	gateway *gateway.Gateway

	httpServer *http.Server
}

// New wires every component together. The replication broker being
// unreachable is not an error: the instance starts local-only.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("a document store is required")
	}

	logger := opts.Logger
	m := metrics.New()
	h := hub.New(m)

	adapter := replica.Connect(cfg.BrokerURL, m, logger)
	mirror := replica.NewMirror()

	var presencePublisher room.PresencePublisher
	var eventPublisher fanout.Publisher
	if cfg.BrokerURL != "" {
		presencePublisher = adapter
		eventPublisher = adapter
	}

	rooms := room.NewManager(h, opts.Store, presencePublisher, mirror, m, logger)

	engine := fanout.New(h, opts.Store, fanout.Options{
		Policies:    opts.Policies,
		Filter:      opts.Filter,
		Transform:   opts.Transform,
		Distributes: cfg.DistributesCollection,
		Publisher:   eventPublisher,
	}, m, logger)

	verifier := auth.NewVerifier(cfg.JWTSecret, opts.Store, opts.Authenticator)
	gw := gateway.New(cfg, verifier, h, rooms, engine, m, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		metrics: m,
		hub:     h,
		adapter: adapter,
		rooms:   rooms,
		engine:  engine,
		gateway: gw,
	}
	s.setupHTTPServer()
	return s, nil
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.gateway.ServeWS)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.MetricsEnabled {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

// Start begins replication intake and serves HTTP until the listener
// closes.
func (s *Server) Start() error {
	if err := s.adapter.Start(s.engine.HandleReplicated, s.rooms.HandlePresence); err != nil {
		// Subscription setup only fails when the broker rejects us;
		// degrade rather than refuse to start.
		s.logger.Warn().Err(err).Msg("Replication unavailable, running local-only")
	}

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("path", s.cfg.Path).
		Bool("replicated", s.adapter.Ready()).
		Msg("Server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully and closes the broker
// connections.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.adapter.Close()
	s.logger.Info().Msg("Server stopped")
	return err
}

// Engine exposes the fanout engine so the host can feed document-change
// triggers and direct notifications into the instance.
func (s *Server) Engine() *fanout.Engine {
	return s.engine
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]any{
			"websocket": map[string]any{
				"status":  "healthy",
				"clients": s.hub.Count(),
			},
			"broker": map[string]any{
				"configured": s.cfg.BrokerURL != "",
				"connected":  s.adapter.Ready(),
			},
		},
		"system": map[string]any{
			"goroutines": runtime.NumGoroutine(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
