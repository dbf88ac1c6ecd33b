package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PromoterConfig controls the aggregator promotion sweep.
type PromoterConfig struct {
	// Schedule is a cron expression with seconds field. Empty uses the default
	// 15-second sweep.
	Schedule string `yaml:"schedule"`
	// Disabled turns the sweep off entirely; queued aggregator tasks then wait
	// for an external trigger.
	Disabled bool `yaml:"disabled"`
}

// MCPConfig bounds the tool-protocol client.
type MCPConfig struct {
	// DiscoveryTimeoutSeconds bounds the initialize+list handshake of the
	// discovery probe. 0 uses the default (15s).
	DiscoveryTimeoutSeconds int `yaml:"discovery_timeout_seconds"`
	// CallTimeoutSeconds bounds a single tools/call during dispatch. 0 = 60s.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// GatewayConfig holds model-backend transport settings.
type GatewayConfig struct {
	// RequestTimeoutSeconds bounds a single model call. 0 uses the default (120s).
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// BaseURLs overrides a provider's endpoint, keyed by provider type
	// ("openai", "anthropic", "google"). Used for proxies and tests.
	BaseURLs map[string]string `yaml:"base_urls"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	Quiet      bool   `yaml:"quiet"`

	// SecretsFile is the vault file resolved by internal/secrets. Relative
	// paths are resolved against HomeDir.
	SecretsFile string `yaml:"secrets_file"`

	Promoter PromoterConfig `yaml:"promoter"`
	MCP      MCPConfig      `yaml:"mcp"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

func HomeDir() string {
	if override := os.Getenv("RELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relay")
}

// Load reads config.yaml from the relay home directory, applies env
// overrides, and fills defaults. A missing file is not an error.
func Load() (Config, error) {
	var cfg Config
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_SECRETS_FILE"); v != "" {
		cfg.SecretsFile = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "relay.db")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SecretsFile == "" {
		cfg.SecretsFile = "secrets.yaml"
	}
	if !filepath.IsAbs(cfg.SecretsFile) {
		cfg.SecretsFile = filepath.Join(cfg.HomeDir, cfg.SecretsFile)
	}
	if strings.TrimSpace(cfg.Promoter.Schedule) == "" {
		cfg.Promoter.Schedule = "@every 15s"
	}
	if cfg.MCP.DiscoveryTimeoutSeconds <= 0 {
		cfg.MCP.DiscoveryTimeoutSeconds = 15
	}
	if cfg.MCP.CallTimeoutSeconds <= 0 {
		cfg.MCP.CallTimeoutSeconds = 60
	}
	if cfg.Gateway.RequestTimeoutSeconds <= 0 {
		cfg.Gateway.RequestTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
}

// DiscoveryTimeout returns the probe handshake bound as a duration.
func (c Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.MCP.DiscoveryTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-tool-call bound as a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.MCP.CallTimeoutSeconds) * time.Second
}

// RequestTimeout returns the model-call bound as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutSeconds) * time.Second
}
