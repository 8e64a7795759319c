// Package api exposes the engine control plane over HTTP: health and
// status probes, start/stop control, recent and missed signal queries,
// and the WebSocket stream upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"algoengine/internal/gateway"
	"algoengine/internal/metrics"
	"algoengine/internal/orchestrator"
	"algoengine/internal/portfolio"
)

const stopTimeout = 15 * time.Second

// Engine is the control surface the API drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() orchestrator.EngineStatus
	Running() bool
}

// Server is the echo-backed control API.
type Server struct {
	e      *echo.Echo
	addr   string
	engine Engine
	hub    *gateway.Hub
	book   *portfolio.Book
	log    zerolog.Logger

	upgrader websocket.Upgrader
}

// New assembles the server. health may be nil; hub and book may be nil
// when the stream or portfolio endpoints are not wanted.
func New(addr string, engine Engine, hub *gateway.Hub, book *portfolio.Book, health *metrics.HealthStatus, log zerolog.Logger) *Server {
	s := &Server{
		addr:   addr,
		engine: engine,
		hub:    hub,
		book:   book,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: true,
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.CORS())
	e.Use(s.requestLogger)

	if health != nil {
		e.GET("/healthz", echo.WrapHandler(health))
	}

	v1 := e.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/control/start", s.handleStart)
	v1.POST("/control/stop", s.handleStop)
	if book != nil {
		v1.GET("/portfolio", s.handlePortfolio)
	}
	if hub != nil {
		v1.GET("/signals/recent", s.handleRecent)
		v1.GET("/signals/missed", s.handleMissed)
		e.GET("/ws", s.handleWS)
	}

	s.e = e
	return s
}

// Start listens in the background; failures other than a clean shutdown
// are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("api server listening")
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server failed")
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("took", time.Since(start)).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Msg("http request")
		return err
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleStart(c echo.Context) error {
	err := s.engine.Start(c.Request().Context())
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return c.JSON(http.StatusConflict, errBody(err))
	case err != nil:
		s.log.Error().Err(err).Msg("engine start failed")
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleStop(c echo.Context) error {
	// Detached from the request so a dropped client cannot abort the
	// state flush mid-way.
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	err := s.engine.Stop(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrNotRunning):
		return c.JSON(http.StatusConflict, errBody(err))
	case err != nil:
		s.log.Error().Err(err).Msg("engine stop failed")
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handlePortfolio(c echo.Context) error {
	return c.JSON(http.StatusOK, s.book.Snapshot())
}

func (s *Server) handleRecent(c echo.Context) error {
	channel := c.QueryParam("channel")
	if channel == "" {
		channel = gateway.ChannelSignals
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errMsg("limit must be a positive integer"))
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	items := s.hub.Recent(channel, limit)
	return c.JSON(http.StatusOK, map[string]any{
		"channel": channel,
		"count":   len(items),
		"items":   rawArray(items),
	})
}

// handleMissed backfills a client-side sequence gap from the replay
// buffer.
func (s *Server) handleMissed(c echo.Context) error {
	channel := c.QueryParam("channel")
	if channel == "" {
		channel = gateway.ChannelSignals
	}
	from, err1 := strconv.ParseInt(c.QueryParam("from"), 10, 64)
	to, err2 := strconv.ParseInt(c.QueryParam("to"), 10, 64)
	if err1 != nil || err2 != nil || from <= 0 || to < from {
		return c.JSON(http.StatusBadRequest, errMsg("from and to must be positive integers with from <= to"))
	}

	items := s.hub.ReplayRange(channel, from, to)
	return c.JSON(http.StatusOK, map[string]any{
		"channel": channel,
		"from":    from,
		"to":      to,
		"count":   len(items),
		"items":   rawArray(items),
	})
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("ws upgrade failed")
		return nil
	}
	s.hub.ServeWS(conn, c.QueryParam("since"))
	return nil
}

func rawArray(items [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out
}

func errBody(err error) map[string]string { return errMsg(err.Error()) }

func errMsg(msg string) map[string]string { return map[string]string{"error": msg} }
