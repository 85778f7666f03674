// Package gateway accepts transport-level connections, authenticates them
// during the handshake, and routes client-initiated messages. No room or
// fanout logic ever observes an unauthenticated connection: identity is
// resolved and attached before the connection is registered anywhere.
package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/config"
	"github.com/beewhoo/roomcast/internal/event"
	"github.com/beewhoo/roomcast/internal/fanout"
	"github.com/beewhoo/roomcast/internal/hub"
	"github.com/beewhoo/roomcast/internal/metrics"
	"github.com/beewhoo/roomcast/internal/room"
)

// Gateway upgrades HTTP requests to WebSocket connections and owns the
// per-connection lifecycle.
type Gateway struct {
	cfg      *config.Config
	verifier *auth.Verifier
	hub      *hub.Hub
	rooms    *room.Manager
	engine   *fanout.Engine
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

// New creates a Gateway.
func New(cfg *config.Config, verifier *auth.Verifier, h *hub.Hub, rooms *room.Manager, engine *fanout.Engine, m *metrics.Registry, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		verifier: verifier,
		hub:      h,
		rooms:    rooms,
		engine:   engine,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst),
		logger:   logger.With().Str("component", "gateway").Logger(),
		metrics:  m,
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS handles one WebSocket handshake. Authentication happens before
// the upgrade; an unauthenticated attempt never becomes a connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow() {
		g.metrics.ConnectionsDenied.Inc()
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	identity, err := g.verifier.Authenticate(r.Context(), r)
	if err != nil {
		g.metrics.AuthFailures.Inc()
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Handshake authentication failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.ConnectionsDenied.Inc()
		g.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := hub.NewConn(identity, g.cfg.SendQueueSize)
	g.hub.Register(c)

	// Every authenticated connection is reachable for direct-to-user
	// delivery from the moment it exists.
	g.hub.Join(c, event.UserRoom(identity.ID))

	g.sendTo(c, event.WireConnected, map[string]any{
		"connectionId": c.ID,
		"user":         identity,
	})

	g.logger.Info().
		Str("conn", c.ID).
		Str("user", identity.ID).
		Int("total", g.hub.Count()).
		Msg("Client connected")

	session := newSession(g, c, ws)
	go session.writePump()
	go session.readPump()
}

func (g *Gateway) sendTo(c *hub.Conn, wireType string, data any) {
	payload, err := event.Wire(wireType, data)
	if err != nil {
		return
	}
	if !c.Send(payload) {
		g.metrics.SendQueueOverflows.Inc()
	}
}

// disconnect tears down a closed connection: membership cleanup runs
// exactly once regardless of which pump noticed the close first.
func (g *Gateway) disconnect(c *hub.Conn) {
	g.rooms.CleanupDisconnect(c)
	g.logger.Info().
		Str("conn", c.ID).
		Str("user", c.Identity.ID).
		Int("total", g.hub.Count()).
		Msg("Client disconnected")
}
