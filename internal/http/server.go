// Package http serves roundtable's read-mostly status API: run state,
// briefing, cache and breaker views, recent events, Prometheus metrics, and
// an endpoint that queues an override for the next cycle boundary.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/events"
	"github.com/fyrsmithlabs/roundtable/internal/logging"
	"github.com/fyrsmithlabs/roundtable/internal/memory"
	"github.com/fyrsmithlabs/roundtable/internal/resilience"
	"github.com/fyrsmithlabs/roundtable/internal/telemetry"
)

// Config holds HTTP server configuration.
type Config struct {
	Host  string
	Port  int
	Token string

	// OverridePath is where POST /api/v1/override writes the record.
	OverridePath string
}

// Deps are the views the server reads. Store is required.
type Deps struct {
	Store     *contextstore.Store
	Roster    []string
	Cache     *memory.Cache
	Breakers  *resilience.BreakerSet
	Events    *events.Recorder
	Telemetry *telemetry.Telemetry
	Metrics   *HTTPMetrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server provides the status endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps, cfg: cfg, logger: deps.Logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Metrics != nil {
		e.Use(deps.Metrics.Middleware())
	}
	e.Use(s.requestLogger)
	s.routes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info("http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request.id", reqID),
		)
		return nil
	}
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	if s.cfg.Token != "" {
		v1.Use(middleware.KeyAuth(func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Token)) == 1, nil
		}))
	}
	v1.GET("/status", s.handleStatus)
	v1.GET("/briefing", s.handleBriefing)
	v1.GET("/cache/stats", s.handleCacheStats)
	v1.GET("/breakers", s.handleBreakers)
	v1.GET("/events", s.handleEvents)
	v1.POST("/override", s.handleOverride)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) load() (*contextstore.CycleContext, error) {
	cc, err := s.deps.Store.Load()
	if err != nil {
		s.logger.Error("failed to load context", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "context unreadable")
	}
	if cc == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no run has started")
	}
	return cc, nil
}

func (s *Server) handleStatus(c echo.Context) error {
	cc, err := s.load()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusOf(cc))
}

func (s *Server) handleBriefing(c echo.Context) error {
	cc, err := s.load()
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, s.deps.Store.Briefing(cc))
}

func (s *Server) handleCacheStats(c echo.Context) error {
	if s.deps.Cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache not attached")
	}
	return c.JSON(http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleBreakers(c echo.Context) error {
	if s.deps.Breakers == nil {
		return c.JSON(http.StatusOK, []resilience.BreakerSnapshot{})
	}
	return c.JSON(http.StatusOK, s.deps.Breakers.Snapshots())
}

func (s *Server) handleEvents(c echo.Context) error {
	out := []events.Event{}
	if s.deps.Events != nil {
		if typ := c.QueryParam("type"); typ != "" {
			out = append(out, s.deps.Events.OfType(events.Type(typ))...)
		} else {
			out = append(out, s.deps.Events.Events()...)
		}
	}
	return c.JSON(http.StatusOK, out)
}

// handleOverride validates the record against the roster and writes it
// where the runner picks it up between cycles.
func (s *Server) handleOverride(c echo.Context) error {
	if s.cfg.OverridePath == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "override path not configured")
	}
	var o contextstore.Override
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := o.Validate(s.deps.Roster); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err := contextstore.WriteOverride(s.cfg.OverridePath, o); err != nil {
		s.logger.Error("failed to write override", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "override not written")
	}
	s.logger.Info("override queued",
		zap.String("phase", string(o.Phase)),
		zap.Bool("synthesize_consensus", o.SynthesizeConsensus),
		zap.String("reason", o.Reason),
	)
	return c.JSON(http.StatusAccepted, OverrideResponse{Path: s.cfg.OverridePath, Status: "queued"})
}

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting status server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.echo.Shutdown(ctx)
}
