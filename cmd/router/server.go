package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
	"github.com/vyrodovalexey/avllmrouter/internal/health"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
	"github.com/vyrodovalexey/avllmrouter/internal/registry"
	"github.com/vyrodovalexey/avllmrouter/internal/router"
	"github.com/vyrodovalexey/avllmrouter/internal/selector"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// requestIDHeader carries the caller-supplied request id.
const requestIDHeader = "X-Request-ID"

// Server is the HTTP surface of the router.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	router     *router.Router
	logger     observability.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, engine *router.Router, logger observability.Logger) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine: gin.New(),
		router: engine,
		logger: logger,
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestIDMiddleware())
	s.engine.Use(s.loggingMiddleware())

	s.engine.POST("/v1/complete", s.handleComplete)
	s.engine.GET("/v1/backends", s.handleBackends)
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin")
	admin.POST("/backends/:id/probe", s.handleForceProbe)
	admin.PUT("/backends/:id/enabled", s.handleSetEnabled)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening",
		observability.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestIDMiddleware assigns a request id when the caller did not supply
// one and echoes it on the response.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestID", requestID)
		c.Header(requestIDHeader, requestID)

		ctx := observability.ContextWithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// loggingMiddleware logs one line per request.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.String("requestID", c.GetString("requestID")),
			observability.Duration("elapsed", time.Since(start)),
		)
	}
}

// completeRequest is the /v1/complete request body.
type completeRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature float64  `json:"temperature"`
	Backend     string   `json:"backend"`
	Fallbacks   []string `json:"fallbacks"`
	NoFallback  bool     `json:"noFallback"`
	Disabled    []string `json:"disabled"`
}

// completeResponse is the /v1/complete response body.
type completeResponse struct {
	RequestID string `json:"requestId"`
	CacheHit  bool   `json:"cacheHit"`
	LatencyMs int64  `json:"latencyMs"`
	router.Result
}

// handleComplete routes one completion request.
func (s *Server) handleComplete(c *gin.Context) {
	var body completeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := &backend.Request{
		Prompt:      body.Prompt,
		Model:       body.Model,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Backend:     body.Backend,
		Fallbacks:   body.Fallbacks,
		NoFallback:  body.NoFallback,
		Disabled:    body.Disabled,
		RequestID:   c.GetString("requestID"),
	}

	result, err := s.router.Route(c.Request.Context(), req)
	if err != nil {
		status, payload := errorResponse(err)
		c.JSON(status, payload)
		return
	}

	c.JSON(http.StatusOK, completeResponse{
		RequestID: req.RequestID,
		CacheHit:  result.CacheHit,
		LatencyMs: result.LatencyMs,
		Result:    *result,
	})
}

// errorResponse maps routing errors to HTTP statuses.
func errorResponse(err error) (int, gin.H) {
	var allFailed *dispatch.AllBackendsFailedError
	switch {
	case errors.Is(err, selector.ErrNoEligibleBackends):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error()}
	case errors.Is(err, dispatch.ErrDeadlineExhausted),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": err.Error()}
	case errors.As(err, &allFailed):
		attempts := make([]gin.H, 0, len(allFailed.Attempts))
		for _, a := range allFailed.Attempts {
			attempts = append(attempts, gin.H{
				"backend":        a.Backend,
				"classification": a.Classification.String(),
				"error":          a.Err.Error(),
			})
		}
		return http.StatusBadGateway, gin.H{
			"error":    "all backends failed",
			"attempts": attempts,
		}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}

// backendStatus is one entry of the /v1/backends response.
type backendStatus struct {
	registry.Descriptor
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	AvgLatencyMs        int64   `json:"avgLatencyMs"`
	SuccessRate         float64 `json:"successRate"`
}

// handleBackends lists registered backends with their circuit state.
func (s *Server) handleBackends(c *gin.Context) {
	snapshot := s.router.Health()

	statuses := make([]backendStatus, 0, len(snapshot))
	for _, desc := range s.router.Backends() {
		rec := snapshot[desc.ID]
		statuses = append(statuses, backendStatus{
			Descriptor:          desc,
			State:               rec.State.String(),
			ConsecutiveFailures: rec.ConsecutiveFailures,
			AvgLatencyMs:        rec.AvgLatency.Milliseconds(),
			SuccessRate:         rec.SuccessRate,
		})
	}

	c.JSON(http.StatusOK, gin.H{"backends": statuses})
}

// handleHealthz reports process liveness and a circuit summary.
func (s *Server) handleHealthz(c *gin.Context) {
	snapshot := s.router.Health()

	degraded := 0
	for _, rec := range snapshot {
		if rec.State != health.StateClosed {
			degraded++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"backends": len(snapshot),
		"degraded": degraded,
	})
}

// handleForceProbe probes one backend immediately.
func (s *Server) handleForceProbe(c *gin.Context) {
	result, err := s.router.ForceProbe(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, health.ErrUnknownBackend) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	payload := gin.H{
		"backend":   result.Backend,
		"healthy":   result.Healthy,
		"latencyMs": result.Latency.Milliseconds(),
	}
	if result.Err != nil {
		payload["error"] = result.Err.Error()
	}
	c.JSON(http.StatusOK, payload)
}

// handleSetEnabled toggles a backend's routing participation.
func (s *Server) handleSetEnabled(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if err := s.router.SetBackendEnabled(id, *body.Enabled); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"backend": id, "enabled": *body.Enabled})
}
