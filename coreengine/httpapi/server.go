// Package httpapi serves a read-mostly HTTP view of the engine: run and
// batch status, pending gates, review decisions, memory search and
// Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/pipelinecore/commbus"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/agents"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
)

// Engine is the subset of *engine.Engine the HTTP API reads and drives.
type Engine interface {
	GetRun(runID string) (engine.RunView, error)
	ListRuns(statuses ...kernel.RunStatus) []engine.RunView
	GetBatch(batchID string) (engine.BatchView, error)
	PendingGates() []kernel.Gate
	ResolveReview(ctx context.Context, gateID string, d kernel.Decision) (kernel.Gate, error)
	Abort(ctx context.Context, runID, reason string) (engine.RunView, error)
	QueryMemory(ctx context.Context, q memory.Query) ([]memory.Result, error)
	Bus() commbus.CommBus
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger agents.Logger
	addr   string
}

// NewServer creates a server listening on addr once started.
func NewServer(e Engine, logger agents.Logger, addr string) (*Server, error) {
	if e == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	ec := echo.New()
	ec.HideBanner = true
	ec.HidePort = true

	ec.Use(middleware.Recover())
	ec.Use(middleware.RequestID())
	ec.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http_request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	})

	s := &Server{echo: ec, engine: e, logger: logger, addr: addr}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/progress", s.handleRunProgress)
	v1.POST("/runs/:id/abort", s.handleAbort)
	v1.GET("/batches/:id", s.handleGetBatch)
	v1.GET("/gates", s.handleListGates)
	v1.POST("/gates/:id", s.handleResolveGate)
	v1.GET("/memory", s.handleQueryMemory)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("http_server_started", "address", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http_server_stopping")
	return s.echo.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []engine.RunView `json:"runs"`
}

func (s *Server) handleListRuns(c echo.Context) error {
	var statuses []kernel.RunStatus
	for _, raw := range splitParam(c.QueryParam("status")) {
		st, err := kernel.ParseRunStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		statuses = append(statuses, st)
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: s.engine.ListRuns(statuses...)})
}

func (s *Server) handleGetRun(c echo.Context) error {
	view, err := s.engine.GetRun(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// handleRunProgress answers from the bus rather than copying the whole run.
func (s *Server) handleRunProgress(c echo.Context) error {
	resp, err := s.engine.Bus().QuerySync(c.Request().Context(), &commbus.GetRunStatus{RunID: c.Param("id")})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// AbortRequest is the optional body for POST /api/v1/runs/:id/abort.
type AbortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbort(c echo.Context) error {
	var req AbortRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	view, err := s.engine.Abort(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return httpError(err)
	}
	s.logger.Info("http_run_aborted", "run_id", view.ID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleGetBatch(c echo.Context) error {
	view, err := s.engine.GetBatch(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// GatesResponse is the response body for GET /api/v1/gates.
type GatesResponse struct {
	Gates []kernel.Gate `json:"gates"`
}

func (s *Server) handleListGates(c echo.Context) error {
	return c.JSON(http.StatusOK, GatesResponse{Gates: s.engine.PendingGates()})
}

// DecisionRequest is the body for POST /api/v1/gates/:id.
type DecisionRequest struct {
	Action     string         `json:"action"`
	Amendments map[string]any `json:"amendments,omitempty"`
	Answer     string         `json:"answer,omitempty"`
	Reviewer   string         `json:"reviewer,omitempty"`
	Comment    string         `json:"comment,omitempty"`
}

func (s *Server) handleResolveGate(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	action, err := kernel.ParseAction(req.Action)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	gate, err := s.engine.ResolveReview(c.Request().Context(), c.Param("id"), kernel.Decision{
		Action:     action,
		Amendments: req.Amendments,
		Answer:     req.Answer,
		Reviewer:   req.Reviewer,
		Comment:    req.Comment,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, gate)
}

// MemoryResponse is the response body for GET /api/v1/memory.
type MemoryResponse struct {
	Results []memory.Result `json:"results"`
}

func (s *Server) handleQueryMemory(c echo.Context) error {
	q := memory.Query{
		Text:  c.QueryParam("q"),
		Tags:  splitParam(c.QueryParam("tag")),
		Stage: c.QueryParam("stage"),
	}
	for _, raw := range splitParam(c.QueryParam("category")) {
		cat, err := memory.ParseCategory(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		q.Categories = append(q.Categories, cat)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		q.Limit = n
	}
	if raw := c.QueryParam("within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "within must be a duration")
		}
		q.RecencyWindow = d
	}

	results, err := s.engine.QueryMemory(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, MemoryResponse{Results: results})
}

// =============================================================================
// HELPERS
// =============================================================================

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// httpError maps an engine error onto an HTTP error.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrRunNotFound),
		errors.Is(err, engine.ErrBatchNotFound),
		errors.Is(err, kernel.ErrGateNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrRunBusy),
		errors.Is(err, kernel.ErrGateNotPending),
		errors.Is(err, kernel.ErrGateCancelled):
		code = http.StatusConflict
	case errors.Is(err, kernel.ErrInvalidDecision):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoMemory):
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error())
}
