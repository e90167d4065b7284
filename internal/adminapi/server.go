// Package adminapi exposes a read-only HTTP surface for operators:
// health checking and a snapshot of live client/audibility state.
package adminapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/posvox/voiceserver/internal/spatial"
)

// ClientTable is the subset of *spatial.Table the admin API reads.
type ClientTable interface {
	Count() int
	Snapshot() []spatial.Client
}

// TransportStats reports accumulated send/byte counts since the last call
// — satisfied by *transport.Host.
type TransportStats interface {
	Stats() (sends, bytes uint64)
	PeerCount() int
}

// Server provides the read-only ops HTTP surface. It runs on a separate
// TCP port from the WebTransport listener.
type Server struct {
	table     ClientTable
	transport TransportStats
	echo      *echo.Echo
}

// New constructs a Server and registers its routes.
func New(table ClientTable, transport TransportStats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[adminapi] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{table: table, transport: transport, echo: e}
	e.GET("/health", s.handleHealth)
	e.GET("/api/metrics", s.handleMetrics)
	e.GET("/api/clients", s.handleClients)
	return s
}

// Run starts the Echo HTTP server on addr and blocks until ctx is
// cancelled, then shuts it down gracefully with a 5s timeout.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminapi] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[adminapi] shutdown: %v", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Clients: s.table.Count()})
}

// MetricsResponse is the payload for GET /api/metrics. Send/byte counts
// are cumulative since the previous Stats call, matching
// transport.Host.Stats's accumulate-then-reset discipline; any other
// Stats caller (such as the metrics logger) also resets them.
type MetricsResponse struct {
	Status             string `json:"status"`
	Clients            int    `json:"clients"`
	ConnectedPeers     int    `json:"connected_peers"`
	SendsSinceLastPoll uint64 `json:"sends_since_last_poll"`
	BytesSinceLastPoll uint64 `json:"bytes_since_last_poll"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	sends, bytes := s.transport.Stats()
	return c.JSON(http.StatusOK, MetricsResponse{
		Status:             "ok",
		Clients:            s.table.Count(),
		ConnectedPeers:     s.transport.PeerCount(),
		SendsSinceLastPoll: sends,
		BytesSinceLastPoll: bytes,
	})
}

// ClientSnapshot is one element of the GET /api/clients array: enough to
// let an operator see where a player is and how many speakers they hear,
// without exposing internal bookkeeping (known/muted-for sets).
type ClientSnapshot struct {
	GameID        uint16  `json:"game_id"`
	VoiceClientID uint16  `json:"voice_client_id"`
	Nickname      string  `json:"nickname"`
	X             float32 `json:"x"`
	Y             float32 `json:"y"`
	Z             float32 `json:"z"`
	Rotation      float32 `json:"rotation"`
	VoiceRange    float32 `json:"voice_range"`
	MutedGlobal   bool    `json:"muted_global"`
	AudibleCount  int     `json:"audible_count"`
}

func (s *Server) handleClients(c echo.Context) error {
	snap := s.table.Snapshot()
	out := make([]ClientSnapshot, 0, len(snap))
	for _, cl := range snap {
		out = append(out, ClientSnapshot{
			GameID:        cl.GameID,
			VoiceClientID: cl.VoiceClientID,
			Nickname:      cl.Nickname,
			X:             cl.Position.X,
			Y:             cl.Position.Y,
			Z:             cl.Position.Z,
			Rotation:      cl.Rotation,
			VoiceRange:    cl.VoiceRange,
			MutedGlobal:   cl.MutedGlobal,
			AudibleCount:  len(cl.Audible),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// jsonErrorHandler renders every error as a consistent
// {"error": "...", "correlation_id": "..."} body; the correlation ID
// lets an operator cross-reference a failed admin-API call against the
// audit log's own per-event correlation IDs.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code) //nolint:errcheck
		return
	}
	c.JSON(code, map[string]string{ //nolint:errcheck
		"error":          msg,
		"correlation_id": uuid.New().String(),
	})
}
