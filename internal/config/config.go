// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire engine configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation"`
	Solver     SolverConfig     `mapstructure:"solver" yaml:"solver"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the connection string for the application store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig controls the queue worker loop.
type EngineConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JobMaxAttempts    int           `mapstructure:"job_max_attempts" yaml:"job_max_attempts"`
}

// ProxyConfig is the opaque outbound proxy descriptor. It is consumed as-is;
// rotation policy lives outside this engine.
type ProxyConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// Enabled reports whether a proxy descriptor was provided.
func (p ProxyConfig) Enabled() bool { return p.Server != "" }

// BrowserConfig controls the session pool and per-session browser flags.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	MaxSessions       int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxTabsPerSession int           `mapstructure:"max_tabs_per_session" yaml:"max_tabs_per_session"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	BlockResources    bool          `mapstructure:"block_resources" yaml:"block_resources"`
	Proxy             ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
}

// CacheConfig controls the generated-response cache.
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
}

// GenerationConfig configures the content generation collaborator.
type GenerationConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	CostPerCall float64       `mapstructure:"cost_per_call" yaml:"cost_per_call"`
}

// SolverConfig configures the external verification solving collaborator.
// An empty APIKey means solving is not configured and challenges are
// surfaced for manual intervention.
type SolverConfig struct {
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptDelay time.Duration `mapstructure:"attempt_delay" yaml:"attempt_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with static defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoapply")
	v.SetDefault("logger.log_file", "autoapply.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.poll_interval", "5s")
	v.SetDefault("engine.job_max_attempts", 3)

	// -- Browser / session pool --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_sessions", 3)
	v.SetDefault("browser.max_tabs_per_session", 5)
	v.SetDefault("browser.idle_timeout", "5m")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.block_resources", true)

	// -- Cache --
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.max_entries", 1000)

	// -- Generation --
	v.SetDefault("generation.model", "gemini-2.5-flash")
	v.SetDefault("generation.timeout", "45s")
	v.SetDefault("generation.rate_limit", 2.0)
	v.SetDefault("generation.cost_per_call", 0.01)

	// -- Solver --
	v.SetDefault("solver.endpoint", "https://2captcha.com")
	v.SetDefault("solver.max_attempts", 3)
	v.SetDefault("solver.attempt_delay", "5s")
	v.SetDefault("solver.poll_interval", "5s")
	v.SetDefault("solver.rate_limit", 1.0)
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Sensitive values are usually provided through the environment.
	v.BindEnv("generation.api_key", "AUTOAPPLY_GENERATION_API_KEY")
	v.BindEnv("solver.api_key", "AUTOAPPLY_SOLVER_API_KEY")
	v.BindEnv("database.url", "AUTOAPPLY_DATABASE_URL")
	v.BindEnv("browser.proxy.server", "AUTOAPPLY_PROXY_SERVER")
	v.BindEnv("browser.proxy.username", "AUTOAPPLY_PROXY_USERNAME")
	v.BindEnv("browser.proxy.password", "AUTOAPPLY_PROXY_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Generation.APIKey == "" {
		cfg.Generation.APIKey = os.Getenv("AUTOAPPLY_GENERATION_API_KEY")
	}
	if cfg.Solver.APIKey == "" {
		cfg.Solver.APIKey = os.Getenv("AUTOAPPLY_SOLVER_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be a positive integer")
	}
	if c.Browser.MaxTabsPerSession <= 0 {
		return fmt.Errorf("browser.max_tabs_per_session must be a positive integer")
	}
	if c.Engine.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be a positive integer")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Solver.MaxAttempts <= 0 {
		return fmt.Errorf("solver.max_attempts must be positive")
	}
	return nil
}
