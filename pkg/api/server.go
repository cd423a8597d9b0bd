package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/metrics"
	"github.com/drydock-sh/drydock/pkg/router"
	"github.com/drydock-sh/drydock/pkg/store"
)

// Config controls the HTTP surface.
type Config struct {
	ListenAddr   string
	ArtifactRoot string
	// ReadOnly rejects every mutating route, for exposing the API on a
	// shared listener that should never accept writes.
	ReadOnly bool
	// ModelCosts maps a model id to USD per 1000 total tokens for the
	// cost-report endpoint.
	ModelCosts map[string]float64
}

// Server is the request/response API plus the single-shot SSE tool surface.
// Both speak the same handlers and both redact SSH credentials and artifact
// content from every payload.
type Server struct {
	cfg      Config
	store    store.Store
	launcher *launcher.Launcher
	router   *router.Router
	logger   zerolog.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the routes. The router may be nil when no health probing
// is available (fresh-check requests then return the cached state).
func NewServer(cfg Config, st store.Store, l *launcher.Launcher, r *router.Router) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		store:    st,
		launcher: l,
		router:   r,
		logger:   log.WithComponent("api"),
		engine:   gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.engine
	e.Use(gin.Recovery(), s.observe())
	if s.cfg.ReadOnly {
		e.Use(s.readOnly())
	}

	e.GET("/health", s.health)
	e.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	e.GET("/metrics", gin.WrapH(metrics.Handler()))

	runs := e.Group("/runs")
	{
		runs.POST("/launch", s.launchRun)
		runs.GET("", s.listRuns)
		runs.GET("/since-last-success", s.sinceLastSuccess)
		runs.GET("/:id", s.getRun)
		runs.GET("/:id/report", s.getRunReport)
		runs.GET("/:id/artifacts", s.listRunArtifacts)
		runs.POST("/:id/cancel", s.cancelRun)
		runs.POST("/:id/approve", s.approveRun)
		runs.POST("/:id/deny", s.denyRun)
	}

	e.GET("/artifacts/:id/download", s.downloadArtifact)

	directives := e.Group("/directives")
	{
		directives.POST("", s.createDirective)
		directives.GET("", s.listDirectives)
		directives.GET("/:id", s.getDirective)
		directives.PUT("/:id", s.updateDirective)
		directives.DELETE("/:id", s.deleteDirective)
	}

	hosts := e.Group("/worker-hosts")
	{
		hosts.POST("", s.createHost)
		hosts.GET("", s.listHosts)
		hosts.GET("/:id", s.getHost)
		hosts.PUT("/:id", s.updateHost)
		hosts.DELETE("/:id", s.deleteHost)
		hosts.GET("/:id/health", s.hostHealth)
		hosts.GET("/:id/gpus", s.hostGPUs)
	}

	containers := e.Group("/container-allowlist")
	{
		containers.PUT("/:container_id", s.upsertAllowedContainer)
		containers.GET("", s.listAllowedContainers)
		containers.DELETE("/:container_id", s.deleteAllowedContainer)
	}

	images := e.Group("/worker-images")
	{
		images.PUT("", s.upsertWorkerImage)
		images.GET("", s.listWorkerImages)
		images.DELETE("", s.deleteWorkerImage)
	}

	schedules := e.Group("/schedules")
	{
		schedules.POST("", s.createSchedule)
		schedules.GET("", s.listSchedules)
		schedules.GET("/:id", s.getSchedule)
		schedules.PUT("/:id", s.updateSchedule)
		schedules.DELETE("/:id", s.deleteSchedule)
		schedules.POST("/:id/run-now", s.runScheduleNow)
		schedules.POST("/:id/enable", s.enableSchedule)
		schedules.POST("/:id/disable", s.disableSchedule)
		schedules.GET("/:id/history", s.scheduleHistory)
	}

	e.GET("/token-stats", s.tokenStats)
	e.GET("/cost-report", s.costReport)

	e.GET("/mcp", s.listTools)
	e.POST("/mcp", s.callTool)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	h := metrics.GetHealth()
	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// respondErr writes the stable error envelope.
func respondErr(c *gin.Context, err error) {
	e := errdefs.AsError(err)
	c.JSON(errdefs.HTTPStatus(e.Kind), e)
}

// notFound maps a store miss onto the envelope kind for the resource.
func notFound(err error, kind errdefs.Kind, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.New(kind, format, args...)
	}
	return err
}
