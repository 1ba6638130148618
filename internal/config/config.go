// Package config provides configuration loading for the bridge: defaults,
// an optional YAML/JSON config file, and environment variable overrides,
// applied in ascending precedence (defaults < file < env < CLI flags).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bridge's full runtime configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir" json:"data_dir"`
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	WS       WSConfig       `yaml:"ws" json:"ws"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	Pairing  PairingConfig  `yaml:"pairing" json:"pairing"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// HTTPConfig holds the control-surface listener settings.
type HTTPConfig struct {
	Port            int      `yaml:"port" json:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" json:"allowed_origins"`
	HubURL          string   `yaml:"hub_url" json:"hub_url"`
}

// WSConfig holds the message-channel listener settings.
type WSConfig struct {
	Port          int           `yaml:"port" json:"port"`
	PingInterval  time.Duration `yaml:"ping_interval" json:"ping_interval"`
	WriteWait     time.Duration `yaml:"write_wait" json:"write_wait"`
}

// SessionConfig governs session lifetime and rate limiting.
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl" json:"ttl"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" json:"refresh_threshold"`
	RateLimitBurst   int           `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	RateLimitPerSec  float64       `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	ReplayWindow     time.Duration `yaml:"replay_window" json:"replay_window"`
}

// PairingConfig governs pairing-code issuance.
type PairingConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl" json:"code_ttl"`
}

// AgentConfig governs subprocess supervision defaults.
type AgentConfig struct {
	DefaultKind     string        `yaml:"default_kind" json:"default_kind"`
	OutputRingBytes int           `yaml:"output_ring_bytes" json:"output_ring_bytes"`
	KillGrace       time.Duration `yaml:"kill_grace" json:"kill_grace"`
}

// LoggingConfig governs the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Output string `yaml:"output" json:"output"` // stdout, stderr, or a file path
}

// MetricsConfig governs the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// PostgresConfig configures the optional durable session mirror. The
// in-memory stores are used either way; an empty DSN disables the mirror.
type PostgresConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// Default returns the configuration used when no file and no overrides are
// present.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		HTTP: HTTPConfig{
			Port:           51720,
			AllowedOrigins: []string{"http://localhost", "https://localhost"},
		},
		WS: WSConfig{
			Port:         51721,
			PingInterval: 30 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Session: SessionConfig{
			TTL:              30 * time.Minute,
			RefreshThreshold: 5 * time.Minute,
			RateLimitBurst:   20,
			RateLimitPerSec:  5,
			ReplayWindow:     5 * time.Minute,
		},
		Pairing: PairingConfig{
			CodeTTL: 5 * time.Minute,
		},
		Agent: AgentConfig{
			DefaultKind:     "claude",
			OutputRingBytes: 1 << 20,
			KillGrace:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.prompt-dock-bridge"
	}
	return ".prompt-dock-bridge"
}

// Load builds the effective configuration: Default(), overlaid with path (if
// non-empty and present), overlaid with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	SubstituteEnvVarsInConfig(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse JSON %s: %w", path, err)
		}
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("config: parse %s (tried YAML and JSON): %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides applies the PROMPT_DOCK_* environment variables, the
// highest-precedence layer below explicit CLI flags.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROMPT_DOCK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("PROMPT_DOCK_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WS.Port = n
		}
	}
	if v := os.Getenv("PROMPT_DOCK_HUB"); v != "" {
		cfg.HTTP.HubURL = v
	}
	if v := os.Getenv("PROMPT_DOCK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROMPT_DOCK_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("PROMPT_DOCK_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
}

// Save persists cfg to path as YAML (or JSON if the extension says so).
func Save(cfg *Config, path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
