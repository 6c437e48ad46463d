// Package realtimeservice wires the API surface, the presence manager, and
// the notification pipeline into one runnable unit.
package realtimeservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/api"
	"github.com/tinywideclouds/go-realtime-service/internal/pipeline"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// Wrapper owns the REST server and the background services (presence sweep,
// notification pipeline). The WebSocket server runs separately; see
// internal/session.
type Wrapper struct {
	server          *http.Server
	pipelineService *pipeline.Service
	presenceManager *presence.Manager
	logger          zerolog.Logger

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New creates and wires up the realtime service.
func New(
	cfg *config.AppConfig,
	deps realtime.ServiceDependencies,
	broadcaster api.Broadcaster,
	presenceManager *presence.Manager,
	local *registry.LocalTable,
	registryPing, busPing api.Pinger,
	authMiddleware func(http.Handler) http.Handler,
	instanceID string,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if deps.Broker == nil || deps.Gateway == nil || deps.Store == nil || deps.Registry == nil {
		return nil, fmt.Errorf("broker, gateway, store and registry cannot be nil")
	}

	// 1. Create the API handlers.
	apiHandler := api.NewAPI(
		broadcaster,
		presenceManager,
		deps.Store,
		local,
		registryPing,
		busPing,
		instanceID,
		logger,
	)

	// 2. Create the notification pipeline.
	processor, err := pipeline.NewProcessor(deps, cfg.Pipeline.GuaranteedTypes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline processor: %w", err)
	}
	pipelineService, err := pipeline.NewService(
		deps.Broker,
		pipeline.Queues{
			Main:       realtime.QueueRef(cfg.Queues.MainURL),
			Retry:      realtime.QueueRef(cfg.Queues.RetryURL),
			DeadLetter: realtime.QueueRef(cfg.Queues.DeadLetterURL),
		},
		processor,
		pipeline.Settings{
			Workers:     cfg.Pipeline.NumWorkers,
			BatchSize:   cfg.Queues.BatchSize,
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseBackoff: cfg.Pipeline.BaseBackoff,
			MaxBackoff:  cfg.Pipeline.MaxBackoff,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline service: %w", err)
	}

	// 3. Create the router and attach handlers.
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", http.HandlerFunc(apiHandler.HealthHandler))
	mux.Handle("GET /api/status", authMiddleware(http.HandlerFunc(apiHandler.StatusHandler)))
	mux.Handle("POST /api/presence/status", authMiddleware(http.HandlerFunc(apiHandler.PresenceStatusHandler)))
	mux.Handle("POST /api/conversations/{conversationID}/typing", authMiddleware(http.HandlerFunc(apiHandler.TypingHandler)))
	mux.Handle("POST /api/conversations/{conversationID}/read", authMiddleware(http.HandlerFunc(apiHandler.ReadHandler)))

	return &Wrapper{
		server: &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: mux,
		},
		pipelineService: pipelineService,
		presenceManager: presenceManager,
		logger:          logger.With().Str("component", "RealtimeService").Logger(),
	}, nil
}

// Start launches the background services and blocks serving the REST API.
func (w *Wrapper) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.bg.Add(2)
	go func() {
		defer w.bg.Done()
		w.presenceManager.Run(bgCtx)
	}()
	go func() {
		defer w.bg.Done()
		w.pipelineService.Run(bgCtx)
	}()

	w.logger.Info().Str("addr", w.server.Addr).Msg("API server starting...")
	if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the REST server, then the background services.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down realtime service...")

	var finalErr error
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}

	if w.cancel != nil {
		w.cancel()
	}
	w.bg.Wait()

	w.logger.Info().Msg("Realtime service shut down.")
	return finalErr
}
