// Package config loads taskmesh settings from YAML files and TASKMESH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/kafka"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/orchestrator"
	"github.com/syntor/taskmesh/pkg/resilience"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TASKMESH_"

// Config holds the complete configuration
type Config struct {
	Resilience   ResilienceConfig   `yaml:"resilience" json:"resilience"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Kafka        kafka.Config       `yaml:"kafka" json:"kafka"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
}

// ResilienceConfig holds the defaults of every worker invoker
type ResilienceConfig struct {
	MaxRetries       int                                `yaml:"max_retries" json:"max_retries"`
	BaseDelay        time.Duration                      `yaml:"base_delay" json:"base_delay"`
	MaxDelay         time.Duration                      `yaml:"max_delay" json:"max_delay"`
	FailureThreshold int                                `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration                      `yaml:"recovery_timeout" json:"recovery_timeout"`
	RateCapacity     int                                `yaml:"rate_capacity" json:"rate_capacity"`
	RefillRate       float64                            `yaml:"refill_rate" json:"refill_rate"`
	AttemptTimeout   time.Duration                      `yaml:"attempt_timeout" json:"attempt_timeout"`
	Targets          map[string]resilience.TargetConfig `yaml:"targets,omitempty" json:"targets,omitempty"`
}

// OrchestratorConfig holds run defaults
type OrchestratorConfig struct {
	Mode           string        `yaml:"mode" json:"mode"`
	TimeoutSeconds float64       `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRounds      int           `yaml:"max_rounds" json:"max_rounds"`
	PoolSize       int           `yaml:"pool_size" json:"pool_size"`
	Discipline     string        `yaml:"discipline" json:"discipline"`
	MaxReplans     int           `yaml:"max_replans" json:"max_replans"`
	AnswerWindow   time.Duration `yaml:"answer_window" json:"answer_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, console
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// RedisConfig enables blackboard export to Redis
type RedisConfig struct {
	Enabled                bool `yaml:"enabled" json:"enabled"`
	blackboard.RedisConfig `yaml:",inline" json:",inline"`
}

// Default returns the default configuration for local use
func Default() Config {
	return Config{
		Resilience: ResilienceConfig{
			MaxRetries:       2,
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         5 * time.Second,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			RateCapacity:     10,
			RefillRate:       5,
		},
		Orchestrator: OrchestratorConfig{
			Mode:           string(orchestrator.ModeHierarchical),
			TimeoutSeconds: 30,
			MaxRounds:      orchestrator.DefaultMaxRounds,
			PoolSize:       agent.DefaultPoolSize,
			Discipline:     string(agent.DisciplineAuto),
			MaxReplans:     agent.DefaultMaxReplans,
			AnswerWindow:   agent.DefaultAnswerWindow,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Kafka: kafka.DefaultConfig(),
		Redis: RedisConfig{RedisConfig: blackboard.DefaultRedisConfig()},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Paths returns the global and project config file paths
func Paths() (global, project string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".taskmesh", "config.yaml"), filepath.Join(".taskmesh", "config.yaml")
}

// LoadLayered merges the defaults, the global file, the project file and
// the environment, in that order. Missing files are skipped.
func LoadLayered() (*Config, error) {
	cfg := Default()
	global, project := Paths()
	for _, path := range []string{global, project} {
		if err := loadYAML(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return &cfg, cfg.Validate()
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Save writes cfg as YAML, creating the directory if needed
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// YAML renders the configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv applies TASKMESH_* environment overrides
func (c *Config) ApplyEnv() {
	r := &c.Resilience
	r.MaxRetries = GetEnvInt(EnvPrefix+"MAX_RETRIES", r.MaxRetries)
	r.FailureThreshold = GetEnvInt(EnvPrefix+"CIRCUIT_THRESHOLD", r.FailureThreshold)
	r.RateCapacity = GetEnvInt(EnvPrefix+"RATE_CAPACITY", r.RateCapacity)
	r.RefillRate = GetEnvFloat(EnvPrefix+"REFILL_RATE", r.RefillRate)
	r.RecoveryTimeout = GetEnvDuration(EnvPrefix+"RECOVERY_TIMEOUT", r.RecoveryTimeout)

	o := &c.Orchestrator
	o.Mode = GetEnv(EnvPrefix+"MODE", o.Mode)
	o.TimeoutSeconds = GetEnvFloat(EnvPrefix+"TIMEOUT_SECONDS", o.TimeoutSeconds)
	o.MaxRounds = GetEnvInt(EnvPrefix+"MAX_ROUNDS", o.MaxRounds)
	o.PoolSize = GetEnvInt(EnvPrefix+"POOL_SIZE", o.PoolSize)
	o.Discipline = GetEnv(EnvPrefix+"DISCIPLINE", o.Discipline)
	o.AnswerWindow = GetEnvDuration(EnvPrefix+"ANSWER_WINDOW", o.AnswerWindow)

	c.Logging.Level = GetEnv(EnvPrefix+"LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv(EnvPrefix+"LOG_FORMAT", c.Logging.Format)

	c.Metrics.Enabled = GetEnvBool(EnvPrefix+"METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = GetEnv(EnvPrefix+"METRICS_ADDR", c.Metrics.Addr)

	c.Kafka.Enabled = GetEnvBool(EnvPrefix+"KAFKA_ENABLED", c.Kafka.Enabled)
	if v := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.Kafka.Topic = GetEnv(EnvPrefix+"KAFKA_TOPIC", c.Kafka.Topic)

	c.Redis.Enabled = GetEnvBool(EnvPrefix+"REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = GetEnv(EnvPrefix+"REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnvInt(EnvPrefix+"REDIS_PORT", c.Redis.Port)
	c.Redis.Password = GetEnv(EnvPrefix+"REDIS_PASSWORD", c.Redis.Password)
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	r := c.Resilience
	if r.MaxRetries < 0 {
		add("resilience.max_retries must not be negative")
	}
	if r.FailureThreshold <= 0 {
		add("resilience.failure_threshold must be positive")
	}
	if r.RateCapacity <= 0 || r.RefillRate <= 0 {
		add("resilience.rate_capacity and refill_rate must be positive")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		add("resilience.base_delay exceeds max_delay")
	}

	o := c.Orchestrator
	if _, err := orchestrator.ParseMode(o.Mode); err != nil {
		add("orchestrator.mode: %v", err)
	}
	switch agent.Discipline(o.Discipline) {
	case agent.DisciplineAuto, agent.DisciplineSequential, agent.DisciplineConcurrent:
	default:
		add("orchestrator.discipline %q is not auto, sequential or concurrent", o.Discipline)
	}
	if o.TimeoutSeconds <= 0 {
		add("orchestrator.timeout_seconds must be positive")
	}
	if o.MaxRounds <= 0 {
		add("orchestrator.max_rounds must be positive")
	}
	if o.PoolSize <= 0 {
		add("orchestrator.pool_size must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka.brokers is required when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		add("redis.host is required when redis is enabled")
	}
	return errors.Join(errs...)
}

// InvokerConfig converts the resilience settings
func (c *Config) InvokerConfig() resilience.InvokerConfig {
	r := c.Resilience
	return resilience.InvokerConfig{
		Retry: resilience.RetryPolicy{
			MaxAttempts: r.MaxRetries + 1,
			BaseDelay:   r.BaseDelay,
			MaxDelay:    r.MaxDelay,
		},
		FailureThreshold: r.FailureThreshold,
		RecoveryTimeout:  r.RecoveryTimeout,
		RateCapacity:     r.RateCapacity,
		RefillRate:       r.RefillRate,
		AttemptTimeout:   r.AttemptTimeout,
		Targets:          r.Targets,
	}
}

// OrchestratorConfig converts the orchestrator settings
func (c *Config) OrchestratorConfig() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		MaxRounds:      o.MaxRounds,
		PoolSize:       o.PoolSize,
		Discipline:     agent.Discipline(o.Discipline),
		DefaultTimeout: time.Duration(o.TimeoutSeconds * float64(time.Second)),
	}
}

// LoggerConfig converts the logging settings
func (c *Config) LoggerConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Logging.Level)
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	return lc
}

// GetEnv retrieves environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves environment variable as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvFloat retrieves environment variable as float64 with a default value
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvDuration retrieves environment variable as a duration such as "500ms"
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvBool retrieves environment variable as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
