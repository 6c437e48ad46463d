/*
File: cmd/realtimeservice/runrealtimeservice.go
Description: Main entrypoint for the realtime service.
Handles config loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	"fmt"
	"net/http"

	firebase "firebase.google.com/go/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-realtime-service/cmd"
	"github.com/tinywideclouds/go-realtime-service/internal/api"
	"github.com/tinywideclouds/go-realtime-service/internal/app"
	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/bus"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/push"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/session"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-realtime-service").Logger()

	// 2. Load config.yaml and apply env overrides
	baseCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, registryPing, busPing, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// 4. Create Authentication Middleware
	authMiddleware := newAuthMiddleware(cfg, deps.Verifier)

	// 5. Create the two main services
	instanceID := uuid.NewString()
	localTable := registry.NewLocalTable()

	presenceManager, err := presence.NewManager(
		deps.Registry,
		deps.Bus,
		deps.Store,
		cfg.OfflineGrace,
		cfg.HeartbeatInterval,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create presence manager")
	}

	sessionServer, err := session.NewServer(
		cfg.WebSocketPort,
		instanceID,
		cfg.HeartbeatInterval,
		deps,
		presenceManager,
		localTable,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session server")
	}

	apiService, err := realtimeservice.New(
		cfg,
		deps,
		sessionServer,
		presenceManager,
		localTable,
		registryPing,
		busPing,
		authMiddleware,
		instanceID,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API service")
	}

	// 6. Run the application
	app.Run(ctx, logger, apiService, sessionServer)
}

// newAuthMiddleware creates the JWT-validating middleware. Local mode skips
// verification and injects a fixed identity.
func newAuthMiddleware(cfg *config.AppConfig, verifier realtime.Verifier) func(http.Handler) http.Handler {
	if cfg.RunMode == "local" {
		return auth.NoopAuth("local-user")
	}
	return auth.Middleware(verifier)
}

// newDependencies builds the service dependency container along with the
// health-check pingers for the registry and bus backends.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (realtime.ServiceDependencies, api.Pinger, api.Pinger, error) {
	if cfg.RunMode == "local" {
		deps := cmd.NewFakeDependencies(logger)
		return deps, deps.Registry.(api.Pinger), deps.Bus.(api.Pinger), nil
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (realtime.ServiceDependencies, api.Pinger, api.Pinger, error) {
	var deps realtime.ServiceDependencies

	// Connection registry (Redis)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RegistryAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return deps, nil, nil, fmt.Errorf("failed to connect to registry redis at %s: %w", cfg.RegistryAddr, err)
	}
	logger.Info().Str("addr", cfg.RegistryAddr).Msg("Connected to registry Redis")
	connRegistry, err := registry.NewRedisRegistry(rdb, cfg.RegistryTTL, logger)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to create connection registry: %w", err)
	}

	// Fan-out bus
	fanoutBus, busPing, err := newBus(ctx, cfg, rdb, logger)
	if err != nil {
		return deps, nil, nil, err
	}

	// Firestore-backed document store
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}
	store, err := persistence.NewFirestoreStore(fsClient, logger)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to create document store: %w", err)
	}

	// SQS queue broker
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	broker, err := queue.NewSQSBroker(
		awssqs.NewFromConfig(awsCfg),
		cfg.Queues.WaitTime,
		cfg.Queues.VisibilityTimeout,
		logger,
	)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to create queue broker: %w", err)
	}

	// FCM push gateway
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	msgClient, err := fbApp.Messaging(ctx)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to create messaging client: %w", err)
	}
	gateway, err := push.NewFCMGateway(msgClient, logger)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to create push gateway: %w", err)
	}

	// JWT verifier
	verifier, err := auth.NewJWTVerifier(cfg.AuthToken)
	if err != nil {
		return deps, nil, nil, fmt.Errorf("failed to create jwt verifier: %w", err)
	}

	deps = realtime.ServiceDependencies{
		Registry: connRegistry,
		Bus:      fanoutBus,
		Broker:   broker,
		Gateway:  gateway,
		Store:    store,
		Verifier: verifier,
	}
	return deps, connRegistry, busPing, nil
}

// newBus creates the pluggable fan-out bus based on config.
func newBus(ctx context.Context, cfg *config.AppConfig, registryClient *redis.Client, logger zerolog.Logger) (realtime.Bus, api.Pinger, error) {
	logger.Info().Str("type", cfg.BusType).Msg("Initializing fan-out bus...")

	switch cfg.BusType {
	case "redis":
		client := registryClient
		if cfg.BusRedis != cfg.RegistryAddr {
			client = redis.NewClient(&redis.Options{Addr: cfg.BusRedis})
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, nil, fmt.Errorf("failed to connect to bus redis at %s: %w", cfg.BusRedis, err)
			}
		}
		redisBus, err := bus.NewRedisBus(ctx, client, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redis bus: %w", err)
		}
		return redisBus, redisBus, nil

	case "nats":
		conn, err := nats.Connect(cfg.BusNats, bus.NatsOptions(logger)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.BusNats, err)
		}
		logger.Info().Str("url", cfg.BusNats).Msg("Connected to NATS")
		natsBus, err := bus.NewNatsBus(conn, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create nats bus: %w", err)
		}
		return natsBus, natsBus, nil

	default:
		return nil, nil, fmt.Errorf("invalid bus type: %s (must be 'redis' or 'nats')", cfg.BusType)
	}
}
