package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/runbox/sandbox"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Engine    EngineConfig              `mapstructure:"engine"`
	Container ContainerConfig           `mapstructure:"container"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// EngineConfig holds execution engine configuration
type EngineConfig struct {
	BaseDir            string `mapstructure:"base_dir"`
	MonitorIntervalSec int    `mapstructure:"monitor_interval_sec"`
	ReapIntervalSec    int    `mapstructure:"reap_interval_sec"`
	SessionFrameBytes  int    `mapstructure:"session_frame_bytes"`
	LimitStrikes       int    `mapstructure:"limit_strikes"`
}

// ContainerConfig holds the default execution policy. Individual requests
// may override fields within the limits enforced by validation.
type ContainerConfig struct {
	MemoryLimit         string            `mapstructure:"memory_limit"`
	CPUPeriod           int64             `mapstructure:"cpu_period"`
	CPUQuota            int64             `mapstructure:"cpu_quota"`
	NetworkDisabled     bool              `mapstructure:"network_disabled"`
	TimeoutSec          int               `mapstructure:"timeout_sec"`
	MaxOutputBytes      int64             `mapstructure:"max_output_bytes"`
	MaxLogBytes         int64             `mapstructure:"max_log_bytes"`
	LogRetentionDays    int               `mapstructure:"log_retention_days"`
	ReadOnly            bool              `mapstructure:"read_only"`
	SecurityOpts        []string          `mapstructure:"security_opts"`
	DroppedCapabilities []string          `mapstructure:"dropped_capabilities"`
	Ulimits             map[string]int64  `mapstructure:"ulimits"`
	Sysctls             map[string]string `mapstructure:"sysctls"`
}

// LanguageConfig holds one language's build recipe
type LanguageConfig struct {
	Image      string   `mapstructure:"image"`
	Filename   string   `mapstructure:"filename"`
	BuildSteps []string `mapstructure:"build_steps"`
	RunCmd     string   `mapstructure:"run_cmd"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9090)

	viper.SetDefault("engine.base_dir", "/tmp/runbox")
	viper.SetDefault("engine.monitor_interval_sec", 2)
	viper.SetDefault("engine.reap_interval_sec", 3600)
	viper.SetDefault("engine.session_frame_bytes", 65536)
	viper.SetDefault("engine.limit_strikes", 2)

	viper.SetDefault("container.memory_limit", "512m")
	viper.SetDefault("container.cpu_period", 100000)
	viper.SetDefault("container.cpu_quota", 50000)
	viper.SetDefault("container.network_disabled", true)
	viper.SetDefault("container.timeout_sec", 30)
	viper.SetDefault("container.max_output_bytes", 1048576)
	viper.SetDefault("container.max_log_bytes", 10485760)
	viper.SetDefault("container.log_retention_days", 1)
	viper.SetDefault("container.read_only", true)
	viper.SetDefault("container.security_opts", []string{"no-new-privileges"})
	viper.SetDefault("container.dropped_capabilities", []string{"ALL"})
	viper.SetDefault("container.ulimits", map[string]int64{"nproc": 256, "nofile": 1024})

	// Python defaults
	viper.SetDefault("languages.python.image", "python:3.11-slim")
	viper.SetDefault("languages.python.filename", "main.py")
	viper.SetDefault("languages.python.run_cmd", "python /app/main.py")

	// Node.js defaults
	viper.SetDefault("languages.nodejs.image", "node:20-alpine")
	viper.SetDefault("languages.nodejs.filename", "main.js")
	viper.SetDefault("languages.nodejs.run_cmd", "node /app/main.js")

	// Go defaults
	viper.SetDefault("languages.go.image", "golang:1.23-alpine")
	viper.SetDefault("languages.go.filename", "main.go")
	viper.SetDefault("languages.go.build_steps", []string{"cd /app && go build -o /app/app /app/main.go"})
	viper.SetDefault("languages.go.run_cmd", "/app/app")

	// C++ defaults
	viper.SetDefault("languages.cpp.image", "gcc:13")
	viper.SetDefault("languages.cpp.filename", "main.cpp")
	viper.SetDefault("languages.cpp.build_steps", []string{"g++ -std=c++17 -O2 -o /app/app /app/main.cpp"})
	viper.SetDefault("languages.cpp.run_cmd", "/app/app")

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Engine.BaseDir == "" {
		return fmt.Errorf("engine.base_dir must not be empty")
	}

	if c.Engine.MonitorIntervalSec <= 0 {
		return fmt.Errorf("engine.monitor_interval_sec must be positive, got: %d", c.Engine.MonitorIntervalSec)
	}

	if c.Engine.ReapIntervalSec <= 0 {
		return fmt.Errorf("engine.reap_interval_sec must be positive, got: %d", c.Engine.ReapIntervalSec)
	}

	if c.Engine.SessionFrameBytes <= 0 {
		return fmt.Errorf("engine.session_frame_bytes must be positive, got: %d", c.Engine.SessionFrameBytes)
	}

	if c.Engine.LimitStrikes <= 0 {
		return fmt.Errorf("engine.limit_strikes must be positive, got: %d", c.Engine.LimitStrikes)
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	for name, lang := range c.Languages {
		if lang.Image == "" {
			return fmt.Errorf("languages.%s.image must not be empty", name)
		}
		if lang.Filename == "" {
			return fmt.Errorf("languages.%s.filename must not be empty", name)
		}
		if lang.RunCmd == "" {
			return fmt.Errorf("languages.%s.run_cmd must not be empty", name)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s, must be one of 'debug', 'info', 'warn', 'error'", c.Logging.Level)
	}

	// The default container policy must itself be a runnable policy.
	defaults := c.ContainerDefaults().WithLanguage("python")
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("invalid container defaults: %w", err)
	}

	return nil
}

// ContainerDefaults returns the default execution policy as an engine config.
// The language is left empty; it is bound per request.
func (c *Config) ContainerDefaults() sandbox.ContainerConfig {
	return sandbox.ContainerConfig{
		MemoryLimit:         c.Container.MemoryLimit,
		CPUPeriod:           c.Container.CPUPeriod,
		CPUQuota:            c.Container.CPUQuota,
		NetworkDisabled:     c.Container.NetworkDisabled,
		TimeoutSeconds:      c.Container.TimeoutSec,
		MaxOutputBytes:      c.Container.MaxOutputBytes,
		MaxLogBytes:         c.Container.MaxLogBytes,
		LogRetentionDays:    c.Container.LogRetentionDays,
		ReadOnly:            c.Container.ReadOnly,
		SecurityOpts:        c.Container.SecurityOpts,
		Ulimits:             c.Container.Ulimits,
		DroppedCapabilities: c.Container.DroppedCapabilities,
		Sysctls:             c.Container.Sysctls,
	}
}

// Recipes returns the configured language table as build recipes.
func (c *Config) Recipes() map[string]sandbox.Recipe {
	recipes := make(map[string]sandbox.Recipe, len(c.Languages))
	for name, lang := range c.Languages {
		recipes[name] = sandbox.Recipe{
			Image:      lang.Image,
			Filename:   lang.Filename,
			BuildSteps: lang.BuildSteps,
			RunCmd:     lang.RunCmd,
		}
	}
	return recipes
}

// MonitorInterval returns the monitor poll interval as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Engine.MonitorIntervalSec) * time.Second
}

// ReapInterval returns the reaper sweep interval as a duration.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Engine.ReapIntervalSec) * time.Second
}
