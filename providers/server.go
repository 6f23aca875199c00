// Package providers composes the realtime core behind an HTTP surface:
// websocket upgrades on fasthttp, info and admin routes on fiber, and an
// optional prometheus metrics endpoint.
package providers

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/signalmesh/realtime/src/guard"
	"github.com/signalmesh/realtime/src/realtime"
	"github.com/signalmesh/realtime/src/types"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server wires the coordinator to the outside world.
type Server struct {
	coordinator *realtime.Coordinator
	protector   *guard.AbuseProtector
	registry    *prometheus.Registry
	logger      zerolog.Logger
}

// NewServer creates a server around an already-composed coordinator.
// protector and registry may be nil.
func NewServer(c *realtime.Coordinator, protector *guard.AbuseProtector, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	return &Server{
		coordinator: c,
		protector:   protector,
		registry:    registry,
		logger:      logger.With().Str("component", "server").Logger(),
	}
}

// RegisterRoutes registers the info, admin, and metrics routes on a fiber
// router. The websocket upgrade itself uses WebsocketHandler, registered at
// the fasthttp level.
func (s *Server) RegisterRoutes(app fiber.Router) {
	app.Get("/realtime/info", s.handleInfo)
	app.Post("/realtime/broadcast", s.handleBroadcast)
	app.Post("/realtime/block", s.handleBlock)
	app.Delete("/realtime/block/:source", s.handleUnblock)
	if s.registry != nil {
		metrics := fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
		)
		app.Get("/metrics", func(c fiber.Ctx) error {
			metrics(c.Context())
			return nil
		})
	}
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket":   true,
		"endpoint":    "/ws",
		"connections": s.coordinator.ConnectionCount(),
		"channels":    s.coordinator.Channels(),
	})
}

// handleBroadcast lets backend services publish into the realtime core over
// plain HTTP.
func (s *Server) handleBroadcast(c fiber.Ctx) error {
	var body struct {
		Channel string         `json:"channel"`
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed body"})
	}
	if err := s.coordinator.Broadcast(body.Channel, body.Event, body.Payload); err != nil {
		return s.writeBroadcastError(c, err)
	}
	return c.JSON(fiber.Map{"broadcast": true, "channel": body.Channel})
}

func (s *Server) writeBroadcastError(c fiber.Ctx, err error) error {
	switch e := err.(type) {
	case *types.ValidationError:
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": e.Error()})
	case *types.RateLimitedError:
		c.Set("Retry-After", e.RetryAfter.String())
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": e.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}

func (s *Server) handleBlock(c fiber.Ctx) error {
	if s.protector == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no abuse protector configured"})
	}
	var body struct {
		Source string `json:"source"`
		Reason string `json:"reason"`
	}
	if err := c.Bind().Body(&body); err != nil || body.Source == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "source is required"})
	}
	s.protector.Block(body.Source, body.Reason)
	return c.JSON(fiber.Map{"blocked": body.Source})
}

func (s *Server) handleUnblock(c fiber.Ctx) error {
	if s.protector == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no abuse protector configured"})
	}
	source := c.Params("source")
	s.protector.Unblock(source)
	return c.JSON(fiber.Map{"unblocked": source})
}

// WebsocketHandler returns a raw fasthttp handler for websocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (s *Server) WebsocketHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		remoteIP := clientIP(ctx)
		if err := s.coordinator.AdmitSource(remoteIP); err != nil {
			s.logger.Warn().Str("ip", remoteIP).Err(err).Msg("connection refused")
			ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
			ctx.SetBodyString(`{"error":"blocked"}`)
			return
		}

		connectionID := uuid.New().String()
		userAgent := string(ctx.Request.Header.UserAgent())

		err := upgrader.Upgrade(ctx, func(wsConn *websocket.Conn) {
			conn := realtime.NewConnection(connectionID, &fasthttpConn{wsConn}, s.coordinator)
			conn.SetMeta("ip", remoteIP)
			conn.SetMeta("user_agent", userAgent)
			s.coordinator.Register(conn)
			go conn.WritePump()
			conn.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	return ctx.RemoteIP().String()
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type fasthttpConn struct {
	conn *websocket.Conn
}

func (f *fasthttpConn) WriteJSON(v any) error { return f.conn.WriteJSON(v) }
func (f *fasthttpConn) ReadJSON(v any) error  { return f.conn.ReadJSON(v) }
func (f *fasthttpConn) Close() error          { return f.conn.Close() }
