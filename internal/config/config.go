// Package config loads the queue-source binary configuration from a YAML
// file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/Sternrassler/queue-source/pkg/feeder"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvConfigFile  = "CONFIG_FILE"
	EnvLogLevel    = "LOG_LEVEL"
	EnvRedisURL    = "REDIS_URL"
	EnvSourceURL   = "SOURCE_URL"
	EnvMetricsAddr = "METRICS_ADDR"
)

// Source types.
const (
	SourceRedis    = "redis"
	SourceMongo    = "mongo"
	SourcePostgres = "postgres"
	SourceHTTP     = "http"
)

// Queue types.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Config is the full binary configuration.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Source   SourceConfig    `yaml:"source"`
	Queue    QueueConfig     `yaml:"queue"`
	Requests []RequestConfig `yaml:"requests" validate:"required,min=1,dive"`
	Drain    DrainConfig     `yaml:"drain"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig configures the /metrics and /health listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// SourceConfig selects and connects the paginated source.
type SourceConfig struct {
	Type      string        `yaml:"type" validate:"required,oneof=redis mongo postgres http"`
	URL       string        `yaml:"url" validate:"required"`
	Database  string        `yaml:"database" validate:"required_if=Type mongo"`
	KeyColumn string        `yaml:"key_column"`
	UserAgent string        `yaml:"user_agent" validate:"required_if=Type http"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=0"`
}

// QueueConfig selects the destination queue.
type QueueConfig struct {
	Type    string `yaml:"type" validate:"required,oneof=redis memory"`
	URL     string `yaml:"url" validate:"required_if=Type redis"`
	Key     string `yaml:"key" validate:"required_if=Type redis"`
	Workers int    `yaml:"workers" validate:"min=1"`
}

// RequestConfig describes one feeder task.
type RequestConfig struct {
	Kind      string            `yaml:"kind" validate:"omitempty,oneof=scan query"`
	Target    string            `yaml:"target"`
	Condition string            `yaml:"condition" validate:"required_if=Kind query"`
	Args      []any             `yaml:"args"`
	Limit     int               `yaml:"limit" validate:"min=0"`
	Params    map[string]string `yaml:"params"`
}

// DrainConfig configures pkg/drain.
type DrainConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Source: SourceConfig{
			KeyColumn: "id",
			UserAgent: "queue-source/0.1.0",
			Timeout:   30 * time.Second,
		},
		Queue: QueueConfig{
			Type:    QueueMemory,
			Key:     "queue-source",
			Workers: 4,
		},
		Drain: DrainConfig{PollInterval: time.Second},
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		c.Queue.URL = v
	}
	if v := getenv(EnvSourceURL); v != "" {
		c.Source.URL = v
	}
	if v := getenv(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and reports all violations at once, keyed by
// their YAML path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// FeederKind returns the parsed feeder kind.
func (r RequestConfig) FeederKind() (feeder.Kind, error) {
	return feeder.ParseKind(r.Kind)
}

// Request converts r to a feeder request.
func (r RequestConfig) Request() feeder.Request {
	return feeder.Request{
		Target:    r.Target,
		Condition: r.Condition,
		Args:      r.Args,
		Limit:     r.Limit,
		Params:    r.Params,
	}
}
