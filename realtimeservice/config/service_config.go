package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, target *string) {
		if value := os.Getenv(key); value != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*target = value
		}
	}

	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("API_PORT", &cfg.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("REGISTRY_REDIS_ADDR", &cfg.RegistryAddr)
	override("BUS_TYPE", &cfg.BusType)
	override("BUS_REDIS_ADDR", &cfg.BusRedis)
	override("BUS_NATS_URL", &cfg.BusNats)
	override("QUEUE_MAIN_URL", &cfg.Queues.MainURL)
	override("QUEUE_RETRY_URL", &cfg.Queues.RetryURL)
	override("QUEUE_DLQ_URL", &cfg.Queues.DeadLetterURL)

	// The signing secret only ever comes from the environment.
	cfg.AuthToken = os.Getenv("AUTH_JWT_SECRET")

	// Final validation.
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
	}
	if cfg.RegistryAddr == "" {
		return nil, fmt.Errorf("registry redis addr is not set in config or env var")
	}
	switch cfg.BusType {
	case "redis":
		if cfg.BusRedis == "" {
			// The registry and bus usually share one Redis deployment.
			cfg.BusRedis = cfg.RegistryAddr
		}
	case "nats":
		if cfg.BusNats == "" {
			return nil, fmt.Errorf("bus type is nats but no nats url is configured")
		}
	default:
		return nil, fmt.Errorf("unknown bus type %q (want redis or nats)", cfg.BusType)
	}
	if cfg.Queues.MainURL == "" || cfg.Queues.RetryURL == "" || cfg.Queues.DeadLetterURL == "" {
		return nil, fmt.Errorf("all three notification queue urls must be configured")
	}
	if cfg.RunMode != "local" && cfg.AuthToken == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is not set")
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
