// ============================================================================
// kioskq configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load producer and agent settings
//
// Sources, lowest precedence first:
//   1. built-in defaults
//   2. optional YAML file (--config)
//   3. optional .env file (loaded into the process environment; variables
//      already set are not overridden)
//   4. environment variables
//
// The environment names keep the ones the kiosk deployment already uses
// (API_KEY, ADMIN_API_KEY, KIOSK_PROPERTY_ID); everything else is
// KIOSKQ_-prefixed.
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/worldchamps/kioskq/internal/router"
	"github.com/worldchamps/kioskq/internal/store"
)

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Agent   AgentConfig   `mapstructure:"agent"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"` // empty disables gRPC
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the two static keys.
type AuthConfig struct {
	APIKey      string `mapstructure:"api_key"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// StoreConfig selects and configures the queue backend.
type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	MySQLDSN      string `mapstructure:"mysql_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	SnapshotPath  string `mapstructure:"snapshot_path"`
}

// NotifyConfig enables Redis pub/sub change notifications.
type NotifyConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Enabled reports whether notifications are configured.
func (n NotifyConfig) Enabled() bool { return n.RedisAddr != "" }

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AgentConfig configures a property-local agent.
type AgentConfig struct {
	Property     string        `mapstructure:"property"`
	Transport    string        `mapstructure:"transport"` // http or grpc
	ServerURL    string        `mapstructure:"server_url"`
	GRPCAddr     string        `mapstructure:"grpc_addr"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Workers      int           `mapstructure:"workers"`
	Command      []string      `mapstructure:"command"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	MarkRunning  bool          `mapstructure:"mark_processing"`
}

// envBindings maps config keys to their environment variable names.
var envBindings = map[string]string{
	"server.addr":             "KIOSKQ_SERVER_ADDR",
	"server.grpc_addr":        "KIOSKQ_GRPC_ADDR",
	"server.shutdown_timeout": "KIOSKQ_SHUTDOWN_TIMEOUT",
	"auth.api_key":            "API_KEY",
	"auth.admin_api_key":      "ADMIN_API_KEY",
	"store.backend":           "KIOSKQ_STORE_BACKEND",
	"store.mysql_dsn":         "KIOSKQ_MYSQL_DSN",
	"store.redis_addr":        "KIOSKQ_REDIS_ADDR",
	"store.redis_password":    "KIOSKQ_REDIS_PASSWORD",
	"store.redis_db":          "KIOSKQ_REDIS_DB",
	"store.key_prefix":        "KIOSKQ_KEY_PREFIX",
	"store.snapshot_path":     "KIOSKQ_SNAPSHOT_PATH",
	"notify.redis_addr":       "KIOSKQ_NOTIFY_REDIS_ADDR",
	"notify.redis_password":   "KIOSKQ_NOTIFY_REDIS_PASSWORD",
	"notify.channel_prefix":   "KIOSKQ_NOTIFY_CHANNEL_PREFIX",
	"log.level":               "KIOSKQ_LOG_LEVEL",
	"log.format":              "KIOSKQ_LOG_FORMAT",
	"metrics.enabled":         "KIOSKQ_METRICS_ENABLED",
	"agent.property":          "KIOSK_PROPERTY_ID",
	"agent.transport":         "KIOSKQ_AGENT_TRANSPORT",
	"agent.server_url":        "KIOSKQ_AGENT_SERVER_URL",
	"agent.grpc_addr":         "KIOSKQ_AGENT_GRPC_ADDR",
	"agent.api_key":           "KIOSKQ_AGENT_API_KEY",
	"agent.poll_interval":     "KIOSKQ_AGENT_POLL_INTERVAL",
	"agent.workers":           "KIOSKQ_AGENT_WORKERS",
	"agent.command":           "KIOSKQ_AGENT_COMMAND",
	"agent.job_timeout":       "KIOSKQ_AGENT_JOB_TIMEOUT",
	"agent.mark_processing":   "KIOSKQ_AGENT_MARK_PROCESSING",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("store.backend", store.BackendMemory)
	v.SetDefault("store.mysql_dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "pms_queue")
	v.SetDefault("store.snapshot_path", "")
	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_password", "")
	v.SetDefault("notify.channel_prefix", "kioskq:events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("agent.property", "")
	v.SetDefault("agent.transport", "http")
	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.grpc_addr", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.poll_interval", 5*time.Second)
	v.SetDefault("agent.workers", 1)
	v.SetDefault("agent.command", []string{})
	v.SetDefault("agent.job_timeout", 60*time.Second)
	v.SetDefault("agent.mark_processing", true)
}

// Load reads configuration. configPath and envFile may be empty; a missing
// envFile is not an error.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// a whitespace-separated command from the environment
	if len(cfg.Agent.Command) == 1 && strings.ContainsAny(cfg.Agent.Command[0], " \t") {
		cfg.Agent.Command = strings.Fields(cfg.Agent.Command[0])
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	return &cfg, nil
}

// Validate checks the settings the producer needs to serve.
func (c *Config) Validate() error {
	var problems []error

	if c.Auth.APIKey == "" && c.Auth.AdminAPIKey == "" {
		problems = append(problems, errors.New("auth: API_KEY or ADMIN_API_KEY must be set"))
	}

	switch c.Store.Backend {
	case store.BackendMemory:
	case store.BackendTabular:
		if c.Store.MySQLDSN == "" {
			problems = append(problems, errors.New("store: tabular backend requires store.mysql_dsn"))
		}
	case store.BackendTree:
		if c.Store.RedisAddr == "" {
			problems = append(problems, errors.New("store: tree backend requires store.redis_addr"))
		}
	default:
		problems = append(problems, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}

	if c.Server.Addr == "" {
		problems = append(problems, errors.New("server: addr must be set"))
	}
	return errors.Join(problems...)
}

// ValidateAgent checks the settings an agent needs to run.
func (c *Config) ValidateAgent() error {
	var problems []error

	if _, err := router.Parse(c.Agent.Property); err != nil {
		problems = append(problems, fmt.Errorf("agent: KIOSK_PROPERTY_ID %q is not a known property", c.Agent.Property))
	}
	switch c.Agent.Transport {
	case "http":
		if c.Agent.ServerURL == "" {
			problems = append(problems, errors.New("agent: server_url must be set for http transport"))
		}
	case "grpc":
		if c.Agent.GRPCAddr == "" {
			problems = append(problems, errors.New("agent: grpc_addr must be set for grpc transport"))
		}
	default:
		problems = append(problems, fmt.Errorf("agent: unknown transport %q", c.Agent.Transport))
	}
	if c.AgentKey() == "" {
		problems = append(problems, errors.New("agent: an API key is required"))
	}
	if len(c.Agent.Command) == 0 {
		problems = append(problems, errors.New("agent: command must be set"))
	}
	if c.Agent.Workers < 1 {
		problems = append(problems, errors.New("agent: workers must be at least 1"))
	}
	if c.Agent.PollInterval <= 0 {
		problems = append(problems, errors.New("agent: poll_interval must be positive"))
	}
	return errors.Join(problems...)
}

// AgentKey is the key an agent presents: its own if set, else the standard
// producer key.
func (c *Config) AgentKey() string {
	if c.Agent.APIKey != "" {
		return c.Agent.APIKey
	}
	return c.Auth.APIKey
}
