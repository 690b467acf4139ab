// Package config loads the apicli configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DirName is the per-user directory holding the database and config
	DirName = ".apicli"
	// FileName is the config file looked up inside DirName
	FileName = "config.yaml"
)

// ErrInvalidConfig is wrapped by every parse and validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full set of tunables. Zero values are replaced by defaults
// when loading.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	HTTP    HTTPConfig    `yaml:"http"`
	Scripts ScriptsConfig `yaml:"scripts"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// HTTPConfig tunes the outbound transport
type HTTPConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	MaxResponseBytes   int64         `yaml:"max_response_bytes"`
	MaxRedirects       int           `yaml:"max_redirects"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`

	// RateLimit caps requests per second across the process; 0 disables it
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ScriptsConfig bounds user scripts
type ScriptsConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxAllocs int64         `yaml:"max_allocs"`
	CacheSize int           `yaml:"cache_size"`
}

// JobsConfig tunes the job runner
type JobsConfig struct {
	MaxActive             int           `yaml:"max_active"`
	DefaultConcurrency    int           `yaml:"default_concurrency"`
	ResponseTimeThreshold time.Duration `yaml:"response_time_threshold"`
}

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		HTTP: HTTPConfig{
			Timeout:          30 * time.Second,
			MaxResponseBytes: 10 << 20,
			MaxRedirects:     5,
		},
		Scripts: ScriptsConfig{
			Timeout:   5 * time.Second,
			MaxAllocs: 10_000_000,
			CacheSize: 256,
		},
		Jobs: JobsConfig{
			MaxActive:             5,
			DefaultConcurrency:    5,
			ResponseTimeThreshold: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// DefaultPath is ~/.apicli/config.yaml
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), FileName)
}

// Load reads the config at path. A missing file yields the defaults; an
// empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot honor
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.HTTP.MaxResponseBytes <= 0 {
		errs = append(errs, errors.New("http.max_response_bytes must be positive"))
	}
	if c.HTTP.MaxRedirects < 0 {
		errs = append(errs, errors.New("http.max_redirects must not be negative"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	if c.Scripts.Timeout <= 0 {
		errs = append(errs, errors.New("scripts.timeout must be positive"))
	}
	if c.Scripts.MaxAllocs <= 0 {
		errs = append(errs, errors.New("scripts.max_allocs must be positive"))
	}
	if c.Scripts.CacheSize <= 0 {
		errs = append(errs, errors.New("scripts.cache_size must be positive"))
	}
	if c.Jobs.MaxActive <= 0 {
		errs = append(errs, errors.New("jobs.max_active must be positive"))
	}
	if c.Jobs.DefaultConcurrency < 1 || c.Jobs.DefaultConcurrency > 100 {
		errs = append(errs, fmt.Errorf("jobs.default_concurrency must be between 1 and 100, got %d", c.Jobs.DefaultConcurrency))
	}
	if c.Jobs.ResponseTimeThreshold <= 0 {
		errs = append(errs, errors.New("jobs.response_time_threshold must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
