// Package gateway exposes the metering engine over HTTP: the sample metered
// product method, usage recording, manual flushes and the status report.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Messages returned by the sample product method, keyed by health level.
const (
	productResult  = "Hello from the metered product!"
	initMessage    = "Problems initializing the product"
	stopMessage    = "The metering service is not reachable. Please check the product's connectivity and restart the application"
	warningMessage = "Metering information hasn't been sent to the metering service. Please check the product's connectivity. If metering information is not sent the product will stop working"
)

// HealthCheck probes one dependency for the dependency_up gauge.
type HealthCheck func(ctx context.Context) error

// Options tunes the gateway. The zero value is usable.
type Options struct {
	// MetricsPath defaults to /metrics.
	MetricsPath string
	// Checks are probed by StartHealthMetrics, keyed by service name.
	Checks map[string]HealthCheck
}

// Gateway handles API requests
type Gateway struct {
	engine      *billing.Engine
	logger      *zap.Logger
	router      *chi.Mux
	metricsPath string
	checks      map[string]HealthCheck
}

// NewGateway creates a new API gateway
func NewGateway(engine *billing.Engine, logger *zap.Logger, opts Options) *Gateway {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	g := &Gateway{
		engine:      engine,
		logger:      logger,
		router:      chi.NewRouter(),
		metricsPath: opts.MetricsPath,
		checks:      opts.Checks,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	g.router.Get("/v1/product", g.handleProduct)
	g.router.Post("/v1/usage/{dimension}", g.handleRecordUsage)

	g.router.Route("/metering", func(r chi.Router) {
		r.Post("/flush", g.handleFlush)
		r.Get("/flush", g.handleFlush)
		r.Get("/status", g.handleStatus)
	})
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	if len(g.checks) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		g.updateHealthMetrics(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, check := range g.checks {
		up := 0.0
		if err := check(ctx); err == nil {
			up = 1.0
		} else {
			g.logger.Warn("dependency health check failed", zap.String("service", name), zap.Error(err))
		}
		dependencyUp.WithLabelValues(name).Set(up)
	}
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.engine.Level() == billing.LevelInit {
		g.writeError(w, http.StatusServiceUnavailable, "metering not initialized")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// handleProduct is the sample method charged per request. It refuses service
// while metering is stopped or failed to start.
func (g *Gateway) handleProduct(w http.ResponseWriter, r *http.Request) {
	snap := g.engine.State()

	switch snap.Level {
	case billing.LevelNormal, billing.LevelWarning:
		dims := g.engine.Dimensions()
		if err := g.engine.RecordUsage(r.Context(), dims[0], 1); err != nil {
			g.logger.Error("failed to record product usage", zap.String("dimension", dims[0]), zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "failed to record usage")
			return
		}

		resp := map[string]interface{}{"result": productResult}
		if snap.Level == billing.LevelWarning {
			resp["warning"] = warningMessage
		}
		g.writeJSON(w, http.StatusOK, resp)
	default:
		message := stopMessage
		if snap.Level == billing.LevelInit {
			message = initMessage
		}
		g.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"message": message,
			"details": snap.View().Details,
		})
	}
}

type usageRequest struct {
	Quantity *int64 `json:"quantity"`
}

func (g *Gateway) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	dimension := chi.URLParam(r, "dimension")

	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	quantity := int64(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	err := g.engine.RecordUsage(r.Context(), dimension, quantity)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, billing.ErrInvalidQuantity):
		g.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrUnknownDimension):
		g.writeError(w, http.StatusNotFound, err.Error())
	default:
		g.logger.Error("failed to record usage", zap.String("dimension", dimension), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to record usage")
	}
}

type flushResponse struct {
	MeterUsagesResponses []billing.Result `json:"meter_usages_responses"`
	Status               billing.Status   `json:"status"`
}

// handleFlush sends the pending usage now instead of waiting for the next
// scheduled flush.
func (g *Gateway) handleFlush(w http.ResponseWriter, r *http.Request) {
	results, err := g.engine.FlushNow(r.Context(), false)
	if err != nil {
		g.logger.Error("manual flush failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "flush failed: "+err.Error())
		return
	}
	if results == nil {
		results = []billing.Result{}
	}

	g.writeJSON(w, http.StatusOK, flushResponse{
		MeterUsagesResponses: results,
		Status:               g.engine.Status(r.Context()),
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.engine.Status(r.Context()))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
