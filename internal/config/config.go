// Package config loads the licensing configuration from environment
// variables (RELAYLIC_ prefix) with an optional YAML file underneath.
// Environment always wins.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for the licensing server and
// the embedded client validator.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Keys      KeysConfig      `yaml:"keys" envconfig:"KEYS"`
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server settings for the licensing server.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"LISTEN_PORT" default:"8750"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// RequestTimeout bounds each verify/admin request server-side; verify
	// sits on clients' best-effort startup path and must answer fast.
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"2s"`
	AllowedOrigins []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// StoreConfig locates the SQLite database.
//
// The envconfig tags here and on ServerConfig.Port and AdminConfig
// avoid bare names that exist in every host environment: envconfig
// falls back to the unprefixed tag when the RELAYLIC_ variable is
// unset, so a tag of PATH would silently read the system $PATH.
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"DB_PATH" default:"data/licensing.db"`
}

// AdminConfig carries the admin API credential. Empty disables the
// admin API entirely.
type AdminConfig struct {
	Token string `yaml:"token" envconfig:"API_TOKEN"`
}

// RateLimitConfig guards the unauthenticated verify endpoint.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"100"`
}

// KeysConfig locates the license signing public key.
type KeysConfig struct {
	PublicKeyPath string `yaml:"public_key_path" envconfig:"PUBLIC_KEY_PATH" default:"license_public.pem"`
}

// ClientConfig configures the embedded client-side validator.
type ClientConfig struct {
	ServerURL       string `yaml:"server_url" envconfig:"SERVER_URL"`
	GraceDays       int    `yaml:"grace_days" envconfig:"GRACE_DAYS" default:"7"`
	StateFilePath   string `yaml:"state_file_path" envconfig:"STATE_FILE_PATH" default:"data/license_state.json"`
	FingerprintPath string `yaml:"fingerprint_path" envconfig:"FINGERPRINT_PATH" default:"data/instance_id"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensing.log"`
}

// TelemetryConfig toggles trace export.
type TelemetryConfig struct {
	TraceExport bool `yaml:"trace_export" envconfig:"TRACE_EXPORT" default:"false"`
}

// Load loads configuration from environment variables and, underneath
// them, the optional YAML file named by RELAYLIC_CONFIG_FILE (default
// "licensing.yaml"). Environment values, including envconfig defaults,
// take precedence; the file only supplies secrets and overrides that
// were not set in the environment, such as the admin token.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("RELAYLIC", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	configFile := os.Getenv("RELAYLIC_CONFIG_FILE")
	if configFile == "" {
		configFile = "licensing.yaml"
	}
	if data, err := os.ReadFile(configFile); err == nil {
		fileCfg := cfg
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
		mergeFileConfig(&cfg, &fileCfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// mergeFileConfig copies file values into fields the environment left
// empty. Only settings without envconfig defaults can differ here.
func mergeFileConfig(env, file *Config) {
	if env.Admin.Token == "" {
		env.Admin.Token = file.Admin.Token
	}
	if env.Client.ServerURL == "" {
		env.Client.ServerURL = file.Client.ServerURL
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.Client.GraceDays < 0 {
		return fmt.Errorf("grace days must not be negative")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled")
	}
	return nil
}
