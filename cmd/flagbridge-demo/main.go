// Command flagbridge-demo wires the provider against the decision backend
// and exposes a small HTTP surface for poking at it: health, version,
// metrics, flag evaluation, and context updates.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flagbridge/flagbridge/internal/adapter/decision"
	"github.com/flagbridge/flagbridge/internal/domain"
	"github.com/flagbridge/flagbridge/internal/platform/config"
	"github.com/flagbridge/flagbridge/internal/platform/logging"
	"github.com/flagbridge/flagbridge/internal/platform/version"
	"github.com/flagbridge/flagbridge/internal/provider"
)

const shutdownTimeout = 10 * time.Second

// demoState serializes context changes: the provider documents that callers
// must not issue concurrent reconciliations.
type demoState struct {
	mu      sync.Mutex
	current *domain.EvaluationContext
}

type contextRequest struct {
	TargetingKey string         `json:"targetingKey"`
	HasConsented *bool          `json:"hasConsented"`
	Attributes   map[string]any `json:"attributes"`
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupProvider(cfg *config.Config, clock clockwork.Clock) *provider.Provider {
	backend := decision.NewClient(cfg.DecisionAPIURL, clock)
	return provider.New(backend, cfg.FlagEnvID, cfg.FlagAPIKey, domain.StartOptions{
		APITimeout:       cfg.APITimeout,
		HitBatchSize:     cfg.HitBatchSize,
		HitFlushInterval: cfg.HitFlushInterval,
		HitsPerSecond:    cfg.HitsPerSecond,
		Logger:           logging.BackendSink("decision"),
	})
}

func registerRoutes(e *echo.Echo, prov *provider.Provider, state *demoState) {
	e.GET("/healthz/live", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/healthz/ready", func(c echo.Context) error {
		if prov.Status() != domain.StatusReady {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, version.Get())
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/evaluate/:key", func(c echo.Context) error {
		return handleEvaluate(c, prov)
	})

	e.POST("/context", func(c echo.Context) error {
		return handleContextChange(c, prov, state)
	})
}

func handleEvaluate(c echo.Context, prov *provider.Provider) error {
	key := c.Param("key")
	flagType := c.QueryParam("type")
	def := c.QueryParam("default")

	var (
		value    any
		metadata *domain.FlagMetadata
	)

	switch flagType {
	case "bool":
		d, _ := strconv.ParseBool(def)
		res := prov.ResolveBool(key, d)
		value, metadata = res.Value, res.Metadata
	case "int":
		d, _ := strconv.ParseInt(def, 10, 64)
		res := prov.ResolveInt(key, d)
		value, metadata = res.Value, res.Metadata
	case "float":
		d, _ := strconv.ParseFloat(def, 64)
		res := prov.ResolveFloat(key, d)
		value, metadata = res.Value, res.Metadata
	default:
		res := prov.ResolveString(key, def)
		value, metadata = res.Value, res.Metadata
	}

	return c.JSON(http.StatusOK, map[string]any{
		"key":      key,
		"value":    value,
		"metadata": metadata,
	})
}

func handleContextChange(c echo.Context, prov *provider.Provider, state *demoState) error {
	var req contextRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	newCtx := &domain.EvaluationContext{
		TargetingKey: req.TargetingKey,
		Attributes:   req.Attributes,
	}
	if req.HasConsented != nil {
		newCtx.VisitorInfo = &domain.VisitorInfo{HasConsented: req.HasConsented}
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if err := prov.OnContextChange(c.Request().Context(), state.current, newCtx); err != nil {
		slog.Error("Context change failed", "targeting_key", req.TargetingKey, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	state.current = newCtx

	return c.JSON(http.StatusOK, map[string]string{"status": "applied"})
}

func runGracefulShutdown(e *echo.Echo, prov *provider.Provider) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := prov.Shutdown(shutdownCtx); err != nil {
			slog.Error("Provider shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	prov := setupProvider(cfg, clock)

	go func() {
		for ev := range prov.Events() {
			slog.Info("Provider event", "type", ev.Type)
		}
	}()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := prov.Initialize(initCtx, nil); err != nil {
		slog.Error("Provider initialization failed", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	registerRoutes(e, prov, &demoState{})

	done := runGracefulShutdown(e, prov)

	slog.Info("Server starting", "port", cfg.Port)
	if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
