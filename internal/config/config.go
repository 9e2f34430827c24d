package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Watched trees. A leading ~ is expanded to the user's home directory.
	TeamsDir string `envconfig:"TEAMS_DIR" default:"~/.claude/teams"`
	TasksDir string `envconfig:"TASKS_DIR" default:"~/.claude/tasks"`

	// Archive
	DBPath string `envconfig:"DB_PATH" default:"dashboard.db"`

	// REST API
	APIListenAddr  string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"` // comma-separated, empty allows none
	RateLimitRPS   int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"API_RATE_LIMIT_BURST" default:"200"`

	// Change detection
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	Debounce       time.Duration `envconfig:"DEBOUNCE" default:"300ms"`
	ParseCacheSize int           `envconfig:"PARSE_CACHE_SIZE" default:"0"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// IsDevelopment reports whether logs should be human readable.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// CORSOriginList returns the parsed CORS allow-list.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be in 1..65535, got %d", c.HTTPPort)
	}
	if c.TeamsDir == "" || c.TasksDir == "" {
		return fmt.Errorf("TEAMS_DIR and TASKS_DIR must be set")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must be set")
	}
	if c.APIListenAddr == "" {
		return fmt.Errorf("API_LISTEN_ADDR must be set")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("DEBOUNCE must be positive, got %s", c.Debounce)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("API rate limits must not be negative")
	}
	if c.ParseCacheSize < 0 {
		return fmt.Errorf("PARSE_CACHE_SIZE must not be negative, got %d", c.ParseCacheSize)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	for _, origin := range c.CORSOriginList() {
		if err := validateOrigin(origin); err != nil {
			return fmt.Errorf("CORS_ORIGINS: %w", err)
		}
	}
	return nil
}

// validateOrigin accepts "*" or a bare scheme://host[:port] origin.
func validateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid origin %q: want scheme://host", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("invalid origin %q: must not carry a path, query or credentials", origin)
	}
	return nil
}

// Load reads configuration from environment variables, expands home
// directories and validates the result.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}

	var err error
	if cfg.TeamsDir, err = expandHome(cfg.TeamsDir); err != nil {
		return nil, err
	}
	if cfg.TasksDir, err = expandHome(cfg.TasksDir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home for %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
