// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatrelay provides the resumable streaming chat service.
//
// This package contains the Service type that wires together the
// conversation store, the stream ledger, the completion providers, the
// live stream registry, and the observability infrastructure behind the
// HTTP surface.
//
// # Enterprise Integration
//
// The service supports dependency injection via extensions.ServiceOptions,
// enabling deployments to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//   - MessageFilter: PII detection and redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := chatrelay.Config{Port: 12230}
//	svc, err := chatrelay.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/handlers"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/llm"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/middleware"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/observability"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/routes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/store"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/ttl"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds chatrelay service configuration.
//
// # Description
//
// Config centralizes all configuration for the service. Values can be
// populated from environment variables, config files, or
// programmatically for testing. All fields have defaults applied by
// New().
type Config struct {
	// Port is the HTTP server port. Default: 12230
	Port int

	// DataDir is the badger database directory. ":memory:" opens an
	// in-memory store, which only makes sense for tests.
	// Default: "./data/chatrelay"
	DataDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "chatrelay-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the streaming Prometheus metrics registry.
	// When false, /metrics still serves the default process collectors
	// but no streaming metrics are recorded.
	EnableMetrics bool

	// StreamTimeout bounds one completion stream. Default: 60s
	StreamTimeout time.Duration

	// ResumeWindow is the freshness window for replaying a finished
	// stream's answer on resume. Default: 15s
	ResumeWindow time.Duration

	// PrunerInterval is the ledger prune cadence. Default: 10m
	PrunerInterval time.Duration

	// PrunerRetention is how long ledger entries are kept. Default: 1h
	PrunerRetention time.Duration

	// RateLimit tunes the per-user send limiter. Zero values use
	// middleware.DefaultRateLimitConfig().
	RateLimit middleware.RateLimitConfig

	// ShutdownGrace bounds graceful shutdown; in-flight streams get
	// this long to finish. Default: 10s
	ShutdownGrace time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

// Service coordinates the HTTP surface with storage, completion
// providers, and background maintenance.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns; Run() should be called at most once.
type Service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	db            *store.DB
	store         *store.Store
	providers     *llm.Registry
	live          *handlers.StreamRegistry
	pruner        *ttl.Pruner
	tracerCleanup func(context.Context)
}

// New creates a chatrelay Service with the given configuration.
//
// # Description
//
// New initializes all service components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Opens the badger store
//  5. Registers completion providers (OpenAI from environment)
//  6. Starts the ledger pruner
//  7. Sets up HTTP routes with extension options
//
// If opts is nil, extensions.DefaultOptions() is used.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - *Service: Ready-to-run service
//   - error: Non-nil if initialization fails
func New(cfg Config, opts *extensions.ServiceOptions) (*Service, error) {
	s := &Service{
		config: applyConfigDefaults(cfg),
	}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := s.initProviders(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize completion providers: %w", err)
	}

	s.live = handlers.NewStreamRegistry()

	// A disabled metrics registry must stay a nil interface, not a
	// typed nil pointer.
	var prunedRecorder ttl.PrunedRecorder
	if m := observability.DefaultMetrics; m != nil {
		prunedRecorder = m
	}
	s.pruner = ttl.NewPruner(s.store, ttl.SystemClock{}, ttl.NewClockChecker(),
		prunedRecorder, ttl.PrunerConfig{
			Interval:  s.config.PrunerInterval,
			Retention: s.config.PrunerRetention,
		})
	if err := s.pruner.Start(context.Background()); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to start ledger pruner: %w", err)
	}

	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until a shutdown signal or a
// fatal server error.
//
// # Description
//
// Listens on the configured port. SIGINT/SIGTERM trigger a graceful
// shutdown: the listener closes, in-flight streams get ShutdownGrace
// to finish, then background workers stop and secure buffers are
// wiped.
//
// # Outputs
//
//   - error: Non-nil if the server fails to start or shut down cleanly
func (s *Service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting chatrelay server", "port", s.config.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/chatrelay"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "chatrelay-otel-collector:4317"
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = handlers.DefaultHandlerConfig().StreamTimeout
	}
	if cfg.ResumeWindow == 0 {
		cfg.ResumeWindow = handlers.DefaultHandlerConfig().ResumeWindow
	}
	if cfg.PrunerInterval == 0 {
		cfg.PrunerInterval = ttl.DefaultPrunerConfig().Interval
	}
	if cfg.PrunerRetention == 0 {
		cfg.PrunerRetention = ttl.DefaultPrunerConfig().Retention
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = middleware.DefaultRateLimitConfig()
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *Service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatrelay-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore opens the badger database and builds the store facade.
func (s *Service) initStore() error {
	var err error
	if s.config.DataDir == ":memory:" {
		s.db, err = store.OpenInMemory()
	} else {
		cfg := store.DefaultConfig()
		cfg.Path = s.config.DataDir
		s.db, err = store.OpenDB(cfg)
	}
	if err != nil {
		return err
	}
	s.store = store.New(s.db)
	slog.Info("Conversation store opened", "path", s.config.DataDir)
	return nil
}

// initProviders registers completion providers. OpenAI is the only
// built-in; deployments needing more register them before Run.
func (s *Service) initProviders() error {
	s.providers = llm.NewRegistry()

	openaiClient, err := llm.NewOpenAIClient()
	if err != nil {
		return err
	}
	s.providers.Register("openai", openaiClient)
	slog.Info("Registered OpenAI completion provider")
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *Service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("chatrelay-service"))

	handler := handlers.NewChatHandler(s.store, s.store, s.providers, s.live,
		ttl.SystemClock{}, s.opts, handlers.HandlerConfig{
			StreamTimeout: s.config.StreamTimeout,
			ResumeWindow:  s.config.ResumeWindow,
		})

	limiter := middleware.NewRateLimiter(s.config.RateLimit)
	routes.SetupRoutes(s.router, handler, s.opts.AuthProvider, limiter)
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Stops the
// pruner, closes the store, wipes locked memory, and shuts down the
// tracer.
func (s *Service) cleanup() {
	if s.pruner != nil {
		s.pruner.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}

	handlers.PurgeAllSecureMemory()

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
