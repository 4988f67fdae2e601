// Package config provides the webrunner configuration model, loaded from
// YAML with environment overrides. Precedence: defaults → YAML → env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete webrunner configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Browser  BrowserConfig  `yaml:"browser"`
	LLM      LLMConfig      `yaml:"llm"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP ingress/status server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the queue backend connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig configures the result store. Driver selects the gorm
// dialect: sqlite, postgres or mysql.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig configures job queue semantics.
type QueueConfig struct {
	// DedupWindow bounds how long a jobId suppresses duplicate publishes.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// VisibilityTimeout is how long a delivered-but-unacknowledged message
	// stays invisible before it becomes eligible for redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// MaxDeliveries is the delivery-attempt bound before dead-lettering.
	MaxDeliveries int `yaml:"max_deliveries"`
	// PollInterval is the consumer idle poll interval.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BrowserConfig configures the shared browser session.
type BrowserConfig struct {
	Headless       bool          `yaml:"headless"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	UserAgent      string        `yaml:"user_agent"`
}

// LLMConfig configures the rate-limited upstream API client.
type LLMConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	TokenFloor        int           `yaml:"token_floor"`
	TokenLowWatermark int           `yaml:"token_low_watermark"`
	RequestFloor      int           `yaml:"request_floor"`
	ResetBuffer       time.Duration `yaml:"reset_buffer"`
}

// WorkerConfig bounds the agent loop.
type WorkerConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	TokenBudget int           `yaml:"token_budget"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "webrunner:",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "webrunner.db",
		},
		Queue: QueueConfig{
			DedupWindow:       5 * time.Minute,
			VisibilityTimeout: 5 * time.Minute,
			MaxDeliveries:     3,
			PollInterval:      200 * time.Millisecond,
		},
		Browser: BrowserConfig{
			Headless:       true,
			IdleTimeout:    10 * time.Minute,
			ActionTimeout:  30 * time.Second,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.anthropic.com",
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         4096,
			RequestTimeout:    120 * time.Second,
			TokenFloor:        10000,
			TokenLowWatermark: 40000,
			RequestFloor:      5,
			ResetBuffer:       5 * time.Second,
		},
		Worker: WorkerConfig{
			MaxSteps:    30,
			TokenBudget: 150000,
			StepTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the given YAML file (optional) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the fields commonly set per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WEBRUNNER_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("WEBRUNNER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WEBRUNNER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WEBRUNNER_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("WEBRUNNER_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("WEBRUNNER_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("WEBRUNNER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WEBRUNNER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Queue.MaxDeliveries < 1 {
		return fmt.Errorf("queue.max_deliveries must be at least 1, got %d", c.Queue.MaxDeliveries)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive")
	}
	if c.Worker.MaxSteps < 1 {
		return fmt.Errorf("worker.max_steps must be at least 1, got %d", c.Worker.MaxSteps)
	}
	if c.LLM.TokenLowWatermark < c.LLM.TokenFloor {
		return fmt.Errorf("llm.token_low_watermark (%d) must not be below llm.token_floor (%d)",
			c.LLM.TokenLowWatermark, c.LLM.TokenFloor)
	}
	return nil
}
