// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Index persistence backends.
const (
	IndexBackendJSON   = "json"
	IndexBackendSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port        string           `yaml:"port"`
	FrontendURL string           `yaml:"frontend_url"`
	DataDir     string           `yaml:"data_dir"`
	Agent       AgentConfig      `yaml:"agent"`
	Pool        PoolConfig       `yaml:"pool"`
	Workspace   WorkspaceConfig  `yaml:"workspace"`
	Index       IndexConfig      `yaml:"index"`
	Question    QuestionConfig   `yaml:"question"`
	Escalation  EscalationConfig `yaml:"escalation"`
	Session     SessionConfig    `yaml:"session"`
	Log         LogConfig        `yaml:"log"`
}

// AgentConfig describes how to reach the agent backend.
type AgentConfig struct {
	Addr           string        `yaml:"addr"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PoolConfig controls the agent connection pool.
type PoolConfig struct {
	InitialSize         int           `yaml:"initial_size"`
	MaxSize             int           `yaml:"max_size"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxAcquireWait      time.Duration `yaml:"max_acquire_wait"`
}

// WorkspaceConfig holds per-workspace storage limits.
type WorkspaceConfig struct {
	MaxFiles     int   `yaml:"max_files"`
	MaxFileSize  int64 `yaml:"max_file_size"`
	MaxTotalSize int64 `yaml:"max_total_size"`
}

// IndexConfig selects where the session index is persisted.
type IndexConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// QuestionConfig controls interactive questions.
type QuestionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// EscalationConfig controls automatic model tier escalation.
type EscalationConfig struct {
	Threshold int      `yaml:"threshold"`
	Tiers     []string `yaml:"tiers"`
	Auto      bool     `yaml:"auto"`
}

// SessionConfig controls live session housekeeping.
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:    "8080",
		DataDir: "./data",
		Agent: AgentConfig{
			Addr:           "localhost:50051",
			ConnectTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			InitialSize:         2,
			MaxSize:             8,
			IdleTimeout:         10 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
			MaxAcquireWait:      30 * time.Second,
		},
		Workspace: WorkspaceConfig{
			MaxFiles:     100,
			MaxFileSize:  50 << 20,
			MaxTotalSize: 500 << 20,
		},
		Index: IndexConfig{
			Backend: IndexBackendJSON,
		},
		Question: QuestionConfig{
			Timeout: 5 * time.Minute,
		},
		Escalation: EscalationConfig{
			Threshold: 3,
			Auto:      true,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			ReapInterval:  time.Minute,
			RateLimit:     30,
			RateWindow:    time.Minute,
			ShutdownGrace: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the optional CONFIG_FILE overlay and then
// environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.Index.Path == "" {
		switch cfg.Index.Backend {
		case IndexBackendSQLite:
			cfg.Index.Path = cfg.DataDir + "/index.db"
		default:
			cfg.Index.Path = cfg.DataDir + "/session_index.json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)

	c.Agent.Addr = getEnv("AGENT_ADDR", c.Agent.Addr)
	c.Agent.ConnectTimeout = getEnvDuration("AGENT_CONNECT_TIMEOUT", c.Agent.ConnectTimeout)

	c.Pool.InitialSize = getEnvInt("POOL_INITIAL_SIZE", c.Pool.InitialSize)
	c.Pool.MaxSize = getEnvInt("POOL_MAX_SIZE", c.Pool.MaxSize)
	c.Pool.IdleTimeout = getEnvDuration("POOL_IDLE_TIMEOUT", c.Pool.IdleTimeout)
	c.Pool.HealthCheckInterval = getEnvDuration("POOL_HEALTH_CHECK_INTERVAL", c.Pool.HealthCheckInterval)
	c.Pool.MaxAcquireWait = getEnvDuration("POOL_MAX_ACQUIRE_WAIT", c.Pool.MaxAcquireWait)

	c.Workspace.MaxFiles = getEnvInt("WORKSPACE_MAX_FILES", c.Workspace.MaxFiles)
	c.Workspace.MaxFileSize = getEnvInt64("WORKSPACE_MAX_FILE_SIZE", c.Workspace.MaxFileSize)
	c.Workspace.MaxTotalSize = getEnvInt64("WORKSPACE_MAX_TOTAL_SIZE", c.Workspace.MaxTotalSize)

	c.Index.Backend = strings.ToLower(getEnv("INDEX_BACKEND", c.Index.Backend))
	c.Index.Path = getEnv("INDEX_PATH", c.Index.Path)

	c.Question.Timeout = getEnvDuration("QUESTION_TIMEOUT", c.Question.Timeout)

	c.Escalation.Threshold = getEnvInt("ESCALATION_THRESHOLD", c.Escalation.Threshold)
	c.Escalation.Auto = getEnvBool("ESCALATION_AUTO", c.Escalation.Auto)
	if tiers := getEnv("ESCALATION_TIERS", ""); tiers != "" {
		c.Escalation.Tiers = splitList(tiers)
	}

	c.Session.IdleTTL = getEnvDuration("SESSION_IDLE_TTL", c.Session.IdleTTL)
	c.Session.ReapInterval = getEnvDuration("SESSION_REAP_INTERVAL", c.Session.ReapInterval)
	c.Session.RateLimit = getEnvInt("SESSION_RATE_LIMIT", c.Session.RateLimit)
	c.Session.RateWindow = getEnvDuration("SESSION_RATE_WINDOW", c.Session.RateWindow)
	c.Session.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", c.Session.ShutdownGrace)

	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Log.Format))
}

// Validate checks that all configuration fields are usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR cannot be empty"))
	}
	if c.Agent.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("AGENT_CONNECT_TIMEOUT must be > 0"))
	}
	if c.Pool.MaxSize <= 0 {
		errs = append(errs, errors.New("POOL_MAX_SIZE must be > 0"))
	}
	if c.Pool.InitialSize < 0 || c.Pool.InitialSize > c.Pool.MaxSize {
		errs = append(errs, fmt.Errorf("POOL_INITIAL_SIZE must be between 0 and %d", c.Pool.MaxSize))
	}
	if c.Pool.IdleTimeout <= 0 || c.Pool.HealthCheckInterval <= 0 || c.Pool.MaxAcquireWait <= 0 {
		errs = append(errs, errors.New("pool durations must be > 0"))
	}
	if c.Workspace.MaxFiles <= 0 || c.Workspace.MaxFileSize <= 0 || c.Workspace.MaxTotalSize <= 0 {
		errs = append(errs, errors.New("workspace limits must be > 0"))
	}
	if c.Workspace.MaxFileSize > c.Workspace.MaxTotalSize {
		errs = append(errs, errors.New("WORKSPACE_MAX_FILE_SIZE cannot exceed WORKSPACE_MAX_TOTAL_SIZE"))
	}
	switch c.Index.Backend {
	case IndexBackendJSON, IndexBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("INDEX_BACKEND %q is not one of json, sqlite", c.Index.Backend))
	}
	if c.Question.Timeout <= 0 {
		errs = append(errs, errors.New("QUESTION_TIMEOUT must be > 0"))
	}
	if c.Escalation.Threshold <= 0 {
		errs = append(errs, errors.New("ESCALATION_THRESHOLD must be > 0"))
	}
	if c.Session.IdleTTL <= 0 || c.Session.ReapInterval <= 0 || c.Session.RateWindow <= 0 || c.Session.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("session durations must be > 0"))
	}
	if c.Session.RateLimit <= 0 {
		errs = append(errs, errors.New("SESSION_RATE_LIMIT must be > 0"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of json, text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
