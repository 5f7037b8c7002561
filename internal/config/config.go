// Package config handles Quants Café configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (QC_SERVER_PORT, ...)
const EnvPrefix = "QC"

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Server
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	Coordinator CoordinatorConfig `json:"coordinator" mapstructure:"coordinator"`

	// Services
	KeyPool KeyPoolConfig `json:"keypool" mapstructure:"keypool"`
	LLM     LLMConfig     `json:"llm" mapstructure:"llm"`
	Market  MarketConfig  `json:"market" mapstructure:"market"`

	// Simulation
	Directors DirectorConfig `json:"directors" mapstructure:"directors"`

	// Secrets
	Vault VaultConfig `json:"vault" mapstructure:"vault"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`
}

// CoordinatorConfig for the worker <-> coordinator channel
type CoordinatorConfig struct {
	URL     string        `json:"url" mapstructure:"url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// KeyPoolConfig for the shared API key pool
type KeyPoolConfig struct {
	Keys             []string      `json:"keys,omitempty" mapstructure:"keys"`
	FallbackKey      string        `json:"fallback_key,omitempty" mapstructure:"fallback_key"`
	RotateAfter      int           `json:"rotate_after" mapstructure:"rotate_after"`
	RotationCooldown time.Duration `json:"rotation_cooldown" mapstructure:"rotation_cooldown"`
	MaxWait          time.Duration `json:"max_wait" mapstructure:"max_wait"`
	RetryInterval    time.Duration `json:"retry_interval" mapstructure:"retry_interval"`
}

// LLMConfig for the upstream model provider
type LLMConfig struct {
	Provider string        `json:"provider" mapstructure:"provider"` // "anthropic" or "openai"
	Model    string        `json:"model" mapstructure:"model"`
	BaseURL  string        `json:"base_url,omitempty" mapstructure:"base_url"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// MarketConfig for the prediction market data source
type MarketConfig struct {
	BaseURL string        `json:"base_url,omitempty" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DirectorConfig for the simulation loops
type DirectorConfig struct {
	Heartbeat   time.Duration `json:"heartbeat" mapstructure:"heartbeat"`
	TickTimeout time.Duration `json:"tick_timeout" mapstructure:"tick_timeout"`
	OfferTTL    time.Duration `json:"offer_ttl" mapstructure:"offer_ttl"`
	Enabled     []string      `json:"enabled" mapstructure:"enabled"`
}

// VaultConfig for sealing owner API keys at rest
type VaultConfig struct {
	Passphrase string `json:"passphrase,omitempty" mapstructure:"passphrase"`
}

// LoggingConfig for the process logger
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".quantscafe"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Coordinator: CoordinatorConfig{
			URL:     "ws://localhost:8080/coordinator",
			Timeout: 60 * time.Second,
		},
		KeyPool: KeyPoolConfig{
			RotateAfter:      5,
			RotationCooldown: time.Second,
			MaxWait:          30 * time.Second,
			RetryInterval:    500 * time.Millisecond,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
			Timeout:  60 * time.Second,
		},
		Market: MarketConfig{
			Timeout: 15 * time.Second,
		},
		Directors: DirectorConfig{
			Heartbeat:   5 * time.Second,
			TickTimeout: 2 * time.Minute,
			OfferTTL:    10 * time.Minute,
			Enabled:     []string{"arena", "autonomy", "resolution", "dashboard", "monitoring"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadDotEnv loads KEY=value pairs from path into the environment.
// A missing file is not an error; variables already set are left alone.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load loads config from file, falling back to defaults, then applies QC_* env overrides
func Load(path string) (*Config, error) {
	def := Default()

	if path == "" {
		if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
			def.DataDir = dir
		}
		path = filepath.Join(def.DataDir, "config.json")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.KeyPool.Keys = normalizeKeys(cfg.KeyPool.Keys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides resolve even without a file
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("coordinator.url", c.Coordinator.URL)
	v.SetDefault("coordinator.timeout", c.Coordinator.Timeout)
	v.SetDefault("keypool.keys", append([]string{}, c.KeyPool.Keys...))
	v.SetDefault("keypool.fallback_key", c.KeyPool.FallbackKey)
	v.SetDefault("keypool.rotate_after", c.KeyPool.RotateAfter)
	v.SetDefault("keypool.rotation_cooldown", c.KeyPool.RotationCooldown)
	v.SetDefault("keypool.max_wait", c.KeyPool.MaxWait)
	v.SetDefault("keypool.retry_interval", c.KeyPool.RetryInterval)
	v.SetDefault("llm.provider", c.LLM.Provider)
	v.SetDefault("llm.model", c.LLM.Model)
	v.SetDefault("llm.base_url", c.LLM.BaseURL)
	v.SetDefault("llm.timeout", c.LLM.Timeout)
	v.SetDefault("market.base_url", c.Market.BaseURL)
	v.SetDefault("market.timeout", c.Market.Timeout)
	v.SetDefault("directors.heartbeat", c.Directors.Heartbeat)
	v.SetDefault("directors.tick_timeout", c.Directors.TickTimeout)
	v.SetDefault("directors.offer_ttl", c.Directors.OfferTTL)
	v.SetDefault("directors.enabled", c.Directors.Enabled)
	v.SetDefault("vault.passphrase", c.Vault.Passphrase)
	v.SetDefault("logging.level", c.Logging.Level)
}

// normalizeKeys trims, drops empties and deduplicates while keeping order
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the values a running process depends on
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.KeyPool.RotateAfter < 0 {
		return fmt.Errorf("keypool.rotate_after must not be negative")
	}
	if c.Directors.Heartbeat <= 0 {
		return fmt.Errorf("directors.heartbeat must be positive")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	return nil
}

// DirectorEnabled reports whether the named director should run
func (c *Config) DirectorEnabled(name string) bool {
	for _, n := range c.Directors.Enabled {
		if strings.EqualFold(strings.TrimSpace(n), name) {
			return true
		}
	}
	return false
}

// DBPath returns the database file location
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "quantscafe.db")
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Secrets never reach the file
	safeCfg := *c
	safeCfg.KeyPool.Keys = nil
	safeCfg.KeyPool.FallbackKey = ""
	safeCfg.Vault.Passphrase = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
