// Package config provides configuration management for the supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Store        StoreConfig        `mapstructure:"store"`
	Streaming    StreamingConfig    `mapstructure:"streaming"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the registration API and metrics HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// TelegramConfig holds bot-token and control-topic configuration.
type TelegramConfig struct {
	BotToken        string  `mapstructure:"botToken"`
	SupergroupID    int64   `mapstructure:"supergroupId"`
	ControlTopicID  int     `mapstructure:"controlTopicId"`
	AllowedUserIDs  []int64 `mapstructure:"allowedUserIds"`
	ProjectBasePath string  `mapstructure:"projectBasePath"`
}

// OrchestratorConfig holds instance-lifecycle tuning.
type OrchestratorConfig struct {
	PortRangeStart        int `mapstructure:"portRangeStart"`
	PortRangeSize         int `mapstructure:"portRangeSize"`
	StartupTimeoutSeconds int `mapstructure:"startupTimeoutSeconds"`
	HealthCheckIntervalMs int `mapstructure:"healthCheckIntervalMs"`
	IdleTimeoutMinutes    int `mapstructure:"idleTimeoutMinutes"`
	RestartDelayMs        int `mapstructure:"restartDelayMs"`
	MaxRestartAttempts    int `mapstructure:"maxRestartAttempts"`
}

// AgentConfig holds the agent binary launch configuration.
type AgentConfig struct {
	Command          string   `mapstructure:"command"`
	ExtraArgs        []string `mapstructure:"extraArgs"`
	WorkspaceFlag    string   `mapstructure:"workspaceFlag"`
	RequestTimeoutMs int      `mapstructure:"requestTimeoutMs"`
	MaxRetries       int      `mapstructure:"maxRetries"`
}

// StoreConfig holds the two local SQLite store paths.
type StoreConfig struct {
	OrchestratorDBPath string `mapstructure:"orchestratorDbPath"`
	TopicDBPath        string `mapstructure:"topicDbPath"`
}

// StreamingConfig holds the bridge's throttle tuning.
type StreamingConfig struct {
	UpdateIntervalStreamingMs int `mapstructure:"updateIntervalStreamingMs"`
	UpdateIntervalThrottledMs int `mapstructure:"updateIntervalThrottledMs"`
	ResponsePreviewChars      int `mapstructure:"responsePreviewChars"`
}

// DiscoveryConfig holds local-process scanning tuning.
type DiscoveryConfig struct {
	CacheTTLSeconds int `mapstructure:"cacheTtlSeconds"`
}

// AuthConfig holds the registration API's shared-secret configuration.
type AuthConfig struct {
	APIKey string `mapstructure:"apiKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartupTimeout returns the instance startup wait as a time.Duration.
func (o *OrchestratorConfig) StartupTimeout() time.Duration {
	return time.Duration(o.StartupTimeoutSeconds) * time.Second
}

// HealthCheckInterval returns the health poll period as a time.Duration.
func (o *OrchestratorConfig) HealthCheckInterval() time.Duration {
	return time.Duration(o.HealthCheckIntervalMs) * time.Millisecond
}

// IdleTimeout returns the idle watchdog period as a time.Duration.
func (o *OrchestratorConfig) IdleTimeout() time.Duration {
	return time.Duration(o.IdleTimeoutMinutes) * time.Minute
}

// RestartDelay returns the base restart backoff unit as a time.Duration.
func (o *OrchestratorConfig) RestartDelay() time.Duration {
	return time.Duration(o.RestartDelayMs) * time.Millisecond
}

// RequestTimeout returns the agent HTTP request deadline as a time.Duration.
func (a *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production-like environments, "text" otherwise.
func detectDefaultLogFormat() string {
	if env := os.Getenv("KANSUP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)

	v.SetDefault("telegram.botToken", "")
	v.SetDefault("telegram.supergroupId", 0)
	v.SetDefault("telegram.controlTopicId", 0)
	v.SetDefault("telegram.allowedUserIds", []int64{})
	v.SetDefault("telegram.projectBasePath", "~/projects")

	v.SetDefault("orchestrator.portRangeStart", 41000)
	v.SetDefault("orchestrator.portRangeSize", 200)
	v.SetDefault("orchestrator.startupTimeoutSeconds", 60)
	v.SetDefault("orchestrator.healthCheckIntervalMs", 5000)
	v.SetDefault("orchestrator.idleTimeoutMinutes", 30)
	v.SetDefault("orchestrator.restartDelayMs", 1000)
	v.SetDefault("orchestrator.maxRestartAttempts", 5)

	v.SetDefault("agent.command", "opencode")
	v.SetDefault("agent.extraArgs", []string{"serve"})
	v.SetDefault("agent.workspaceFlag", "--workspace")
	v.SetDefault("agent.requestTimeoutMs", 30000)
	v.SetDefault("agent.maxRetries", 3)

	v.SetDefault("store.orchestratorDbPath", "./data/orchestrator.db")
	v.SetDefault("store.topicDbPath", "./data/topics.db")

	v.SetDefault("streaming.updateIntervalStreamingMs", 3000)
	v.SetDefault("streaming.updateIntervalThrottledMs", 2000)
	v.SetDefault("streaming.responsePreviewChars", 400)

	v.SetDefault("discovery.cacheTtlSeconds", 30)

	v.SetDefault("auth.apiKey", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KANSUP_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KANSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not fold camelCase config keys to SNAKE_CASE, so the
	// handful that don't derive automatically get an explicit bind.
	_ = v.BindEnv("telegram.botToken", "KANSUP_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.supergroupId", "KANSUP_TELEGRAM_SUPERGROUP_ID")
	_ = v.BindEnv("telegram.controlTopicId", "KANSUP_TELEGRAM_CONTROL_TOPIC_ID")
	_ = v.BindEnv("orchestrator.portRangeStart", "KANSUP_ORCHESTRATOR_PORT_RANGE_START")
	_ = v.BindEnv("store.orchestratorDbPath", "KANSUP_STORE_ORCHESTRATOR_DB_PATH")
	_ = v.BindEnv("store.topicDbPath", "KANSUP_STORE_TOPIC_DB_PATH")
	_ = v.BindEnv("auth.apiKey", "KANSUP_AUTH_API_KEY")
	_ = v.BindEnv("logging.level", "KANSUP_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kansup/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Orchestrator.PortRangeStart <= 0 || cfg.Orchestrator.PortRangeStart > 65535 {
		errs = append(errs, "orchestrator.portRangeStart must be between 1 and 65535")
	}
	if cfg.Orchestrator.PortRangeSize <= 0 {
		errs = append(errs, "orchestrator.portRangeSize must be positive")
	}
	if cfg.Orchestrator.MaxRestartAttempts < 0 {
		errs = append(errs, "orchestrator.maxRestartAttempts must not be negative")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	if cfg.Store.OrchestratorDBPath == "" {
		errs = append(errs, "store.orchestratorDbPath is required")
	}
	if cfg.Store.TopicDBPath == "" {
		errs = append(errs, "store.topicDbPath is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
