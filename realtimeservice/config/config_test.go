package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testYaml = `
project_id: "test-project"
run_mode: "production"
api_port: "8080"
websocket_port: "8081"
registry:
  addr: "localhost:6379"
bus:
  type: "redis"
queues:
  main_url: "https://sqs.test/notifications"
  retry_url: "https://sqs.test/notifications-retry"
  dead_letter_url: "https://sqs.test/notifications-dlq"
  wait_time_seconds: 5
  visibility_timeout_seconds: 60
  batch_size: 10
pipeline:
  num_workers: 4
  max_attempts: 5
  base_backoff_seconds: 30
  max_backoff_seconds: 900
  guaranteed_types: ["group_invitation", "friend_request"]
presence:
  heartbeat_interval_seconds: 30
  offline_grace_seconds: 60
`

func loadTestConfig(t *testing.T) *AppConfig {
	t.Helper()
	var yamlCfg YamlConfig
	require.NoError(t, yaml.Unmarshal([]byte(testYaml), &yamlCfg))
	cfg, err := NewConfigFromYaml(&yamlCfg)
	require.NoError(t, err)
	return cfg
}

func TestNewConfigFromYaml(t *testing.T) {
	cfg := loadTestConfig(t)

	assert.Equal(t, "test-project", cfg.ProjectID)
	assert.Equal(t, "8081", cfg.WebSocketPort)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.OfflineGrace)
	// TTL is always twice the heartbeat interval.
	assert.Equal(t, time.Minute, cfg.RegistryTTL)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.BaseBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.MaxBackoff)
	assert.Equal(t, []string{"group_invitation", "friend_request"}, cfg.Pipeline.GuaranteedTypes)
}

func TestNewConfigFromYaml_RequiresHeartbeat(t *testing.T) {
	var yamlCfg YamlConfig
	require.NoError(t, yaml.Unmarshal([]byte(testYaml), &yamlCfg))
	yamlCfg.Presence.HeartbeatIntervalSeconds = 0

	_, err := NewConfigFromYaml(&yamlCfg)
	assert.Error(t, err)
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")

	t.Run("env values win", func(t *testing.T) {
		t.Setenv("WEBSOCKET_PORT", "9999")
		t.Setenv("BUS_TYPE", "nats")
		t.Setenv("BUS_NATS_URL", "nats://localhost:4222")

		cfg, err := UpdateConfigWithEnvOverrides(loadTestConfig(t), zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "9999", cfg.WebSocketPort)
		assert.Equal(t, "nats", cfg.BusType)
		assert.Equal(t, "nats://localhost:4222", cfg.BusNats)
		assert.Equal(t, "secret", cfg.AuthToken)
	})

	t.Run("redis bus defaults to registry addr", func(t *testing.T) {
		cfg, err := UpdateConfigWithEnvOverrides(loadTestConfig(t), zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", cfg.BusRedis)
	})

	t.Run("nats bus without url fails", func(t *testing.T) {
		cfg := loadTestConfig(t)
		cfg.BusType = "nats"
		_, err := UpdateConfigWithEnvOverrides(cfg, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("unknown bus type fails", func(t *testing.T) {
		cfg := loadTestConfig(t)
		cfg.BusType = "kafka"
		_, err := UpdateConfigWithEnvOverrides(cfg, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("missing queue urls fail", func(t *testing.T) {
		cfg := loadTestConfig(t)
		cfg.Queues.RetryURL = ""
		_, err := UpdateConfigWithEnvOverrides(cfg, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("missing secret allowed in local mode", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "")
		cfg := loadTestConfig(t)
		cfg.RunMode = "local"
		_, err := UpdateConfigWithEnvOverrides(cfg, zerolog.Nop())
		assert.NoError(t, err)
	})
}
