// Package config loads process settings from the environment and the
// execution policy from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/internal/logging"
	"github.com/caffeineduck/sandpit/language/python"
)

// Prefix is the environment variable prefix, e.g. SANDPIT_SERVER_ADDR.
const Prefix = "SANDPIT"

// Config holds the process settings.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Python    PythonConfig
	Tracing   TracingConfig
	// Policy is a YAML file describing executor.Config.
	Policy string `envconfig:"POLICY"`
}

type ServerConfig struct {
	Addr              string        `envconfig:"ADDR" default:":8080"`
	RequestsPerSecond float64       `envconfig:"RPS" default:"5"`
	Burst             int           `envconfig:"BURST" default:"10"`
	MaxBodyBytes      int64         `envconfig:"MAX_BODY" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS"`
}

type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

type RateLimitConfig struct {
	Limit  int           `envconfig:"LIMIT" default:"60"`
	Window time.Duration `envconfig:"WINDOW" default:"60s"`
	// Store is "memory" or "sqlite".
	Store       string `envconfig:"STORE" default:"memory"`
	SQLitePath  string `envconfig:"SQLITE_PATH"`
	SessionFile string `envconfig:"SESSION_FILE"`
	SweepSpec   string `envconfig:"SWEEP" default:"@every 1m"`
}

type PythonConfig struct {
	WasmPath        string   `envconfig:"WASM"`
	CacheDir        string   `envconfig:"CACHE_DIR"`
	DiskCache       bool     `envconfig:"DISK_CACHE" default:"true"`
	PackagesDir     string   `envconfig:"PACKAGES_DIR"`
	AllowInstall    bool     `envconfig:"ALLOW_INSTALL" default:"false"`
	AllowedPackages []string `envconfig:"ALLOWED_PACKAGES"`
	MaxPrintCalls   int      `envconfig:"MAX_PRINTS" default:"10000"`
}

type TracingConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"false"`
}

// Load reads the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// LoggingConfig converts the log settings for the logging package.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Development = c.Logging.Development
	return cfg
}

// PythonWasmPath is the configured interpreter, or the downloaded one in
// the cache directory when that exists.
func (c *Config) PythonWasmPath() string {
	if c.Python.WasmPath != "" {
		return c.Python.WasmPath
	}
	candidate := filepath.Join(c.PythonCacheDir(), "python.wasm")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// PythonCacheDir is where compiled modules and the interpreter are kept.
func (c *Config) PythonCacheDir() string {
	if c.Python.CacheDir != "" {
		return c.Python.CacheDir
	}
	return python.DefaultCacheDir()
}

// PackagesDir is the pure-Python package directory.
func (c *Config) PackagesDir() string {
	if c.Python.PackagesDir != "" {
		return c.Python.PackagesDir
	}
	return filepath.Join(c.PythonCacheDir(), "packages")
}


// LoadPolicy reads an execution policy. Fields the file leaves out take the
// values of executor.DefaultConfig. An empty path returns the defaults.
func LoadPolicy(path string) (executor.Config, error) {
	if path == "" {
		return executor.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return executor.Config{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy and fills missing fields from the
// defaults.
func ParsePolicy(data []byte) (executor.Config, error) {
	var cfg executor.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return executor.Config{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := mergo.Merge(&cfg, executor.DefaultConfig()); err != nil {
		return executor.Config{}, fmt.Errorf("merge policy defaults: %w", err)
	}
	if !cfg.Language.Valid() {
		return executor.Config{}, fmt.Errorf("parse policy: unknown language %q", cfg.Language)
	}
	return cfg, nil
}
