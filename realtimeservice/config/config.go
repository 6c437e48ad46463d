package config

import (
	"fmt"
	"time"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlNatsConfig struct {
	URL string `yaml:"url"`
}

// YamlBusConfig selects the fan-out bus backend.
type YamlBusConfig struct {
	Type  string          `yaml:"type"` // "redis" or "nats"
	Redis YamlRedisConfig `yaml:"redis"`
	Nats  YamlNatsConfig  `yaml:"nats"`
}

type YamlQueuesConfig struct {
	MainURL                  string `yaml:"main_url"`
	RetryURL                 string `yaml:"retry_url"`
	DeadLetterURL            string `yaml:"dead_letter_url"`
	WaitTimeSeconds          int    `yaml:"wait_time_seconds"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
	BatchSize                int    `yaml:"batch_size"`
}

type YamlPipelineConfig struct {
	NumWorkers         int      `yaml:"num_workers"`
	MaxAttempts        int      `yaml:"max_attempts"`
	BaseBackoffSeconds int      `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds  int      `yaml:"max_backoff_seconds"`
	GuaranteedTypes    []string `yaml:"guaranteed_types"`
}

type YamlPresenceConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	OfflineGraceSeconds      int `yaml:"offline_grace_seconds"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID     string             `yaml:"project_id"`
	RunMode       string             `yaml:"run_mode"`
	APIPort       string             `yaml:"api_port"`
	WebSocketPort string             `yaml:"websocket_port"`
	Registry      YamlRedisConfig    `yaml:"registry"`
	Bus           YamlBusConfig      `yaml:"bus"`
	Queues        YamlQueuesConfig   `yaml:"queues"`
	Pipeline      YamlPipelineConfig `yaml:"pipeline"`
	Presence      YamlPresenceConfig `yaml:"presence"`
}

// --- Application Config Struct ---

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID     string
	RunMode       string
	APIPort       string
	WebSocketPort string

	RegistryAddr string
	// RegistryTTL is derived: twice the heartbeat interval, so one missed
	// heartbeat never expires a connection.
	RegistryTTL time.Duration

	BusType   string
	BusRedis  string
	BusNats   string
	AuthToken string

	Queues   QueuesConfig
	Pipeline PipelineConfig

	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
}

type QueuesConfig struct {
	MainURL           string
	RetryURL          string
	DeadLetterURL     string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int
}

type PipelineConfig struct {
	NumWorkers      int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	GuaranteedTypes []string
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct. Stage 1 complete: the AppConfig struct now
// exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	if yamlCfg.Presence.HeartbeatIntervalSeconds <= 0 {
		return nil, fmt.Errorf("presence.heartbeat_interval_seconds must be positive")
	}
	if yamlCfg.Presence.OfflineGraceSeconds <= 0 {
		return nil, fmt.Errorf("presence.offline_grace_seconds must be positive")
	}

	heartbeat := time.Duration(yamlCfg.Presence.HeartbeatIntervalSeconds) * time.Second
	appCfg := &AppConfig{
		ProjectID:     yamlCfg.ProjectID,
		RunMode:       yamlCfg.RunMode,
		APIPort:       yamlCfg.APIPort,
		WebSocketPort: yamlCfg.WebSocketPort,

		RegistryAddr: yamlCfg.Registry.Addr,
		RegistryTTL:  2 * heartbeat,

		BusType:  yamlCfg.Bus.Type,
		BusRedis: yamlCfg.Bus.Redis.Addr,
		BusNats:  yamlCfg.Bus.Nats.URL,

		Queues: QueuesConfig{
			MainURL:           yamlCfg.Queues.MainURL,
			RetryURL:          yamlCfg.Queues.RetryURL,
			DeadLetterURL:     yamlCfg.Queues.DeadLetterURL,
			WaitTime:          time.Duration(yamlCfg.Queues.WaitTimeSeconds) * time.Second,
			VisibilityTimeout: time.Duration(yamlCfg.Queues.VisibilityTimeoutSeconds) * time.Second,
			BatchSize:         yamlCfg.Queues.BatchSize,
		},
		Pipeline: PipelineConfig{
			NumWorkers:      yamlCfg.Pipeline.NumWorkers,
			MaxAttempts:     yamlCfg.Pipeline.MaxAttempts,
			BaseBackoff:     time.Duration(yamlCfg.Pipeline.BaseBackoffSeconds) * time.Second,
			MaxBackoff:      time.Duration(yamlCfg.Pipeline.MaxBackoffSeconds) * time.Second,
			GuaranteedTypes: yamlCfg.Pipeline.GuaranteedTypes,
		},

		HeartbeatInterval: heartbeat,
		OfflineGrace:      time.Duration(yamlCfg.Presence.OfflineGraceSeconds) * time.Second,
	}
	return appCfg, nil
}
