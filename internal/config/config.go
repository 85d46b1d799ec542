// Package config loads the configuration of the dispatcher service.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/bjaus/dispatcher"
)

// Stream backends.
const (
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

type Config struct {
	App      App               `yaml:"app"`
	Log      Log               `yaml:"log"`
	HTTP     HTTP              `yaml:"http"`
	Backend  string            `yaml:"backend" env:"DISPATCH_BACKEND" env-default:"redis"`
	Dispatch dispatcher.Config `yaml:"dispatch"`
	Redis    Redis             `yaml:"redis"`
	Kafka    Kafka             `yaml:"kafka"`
	Temporal Temporal          `yaml:"temporal"`
	Postgres Postgres          `yaml:"postgres"`
	Otel     Otel              `yaml:"otel"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"dispatcher"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"dev"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
}

type Redis struct {
	Addr          string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password      string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB            int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	MinIdle       time.Duration `yaml:"min_idle" env:"REDIS_MIN_IDLE" env-default:"5m"`
	MaxDeliveries int           `yaml:"max_deliveries" env:"REDIS_MAX_DELIVERIES" env-default:"10"`
}

type Kafka struct {
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	ClientID string   `yaml:"client_id" env:"KAFKA_CLIENT_ID" env-default:"dispatcher"`
}

type Temporal struct {
	HostPort  string `yaml:"host_port" env:"TEMPORAL_HOST_PORT" env-default:"localhost:7233"`
	Namespace string `yaml:"namespace" env:"TEMPORAL_NAMESPACE" env-default:"default"`
}

// Postgres configures the outcome ledger. An empty URL disables it.
type Postgres struct {
	URL   string `yaml:"url" env:"DATABASE_URL"`
	Table string `yaml:"table" env:"DISPATCH_OUTCOME_TABLE" env-default:"dispatch_outcomes"`
}

type Otel struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4317"`
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_SAMPLING_RATIO" env-default:"1"`
}

// Load reads the YAML file at path with environment variables taking
// precedence. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(cfg)
	} else {
		err = cleanenv.ReadConfig(path, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	cfg.Dispatch = cfg.Dispatch.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var problems []error
	if err := c.Dispatch.Validate(); err != nil {
		problems = append(problems, err)
	}

	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, errors.New("redis addr is required"))
		}
		// Entries idle for MinIdle are claimed by peers in the group.
		if budget := c.Dispatch.BatchBudget(); c.Redis.MinIdle > 0 && c.Redis.MinIdle <= budget {
			problems = append(problems, fmt.Errorf("redis min idle %s must exceed the batch budget %s", c.Redis.MinIdle, budget))
		}
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			problems = append(problems, errors.New("kafka brokers are required"))
		}
	default:
		problems = append(problems, fmt.Errorf("backend must be %q or %q (got %q)", BackendRedis, BackendKafka, c.Backend))
	}

	if c.Temporal.HostPort == "" {
		problems = append(problems, errors.New("temporal host port is required"))
	}
	if c.Otel.SampleRatio < 0 || c.Otel.SampleRatio > 1 {
		problems = append(problems, fmt.Errorf("otel sample ratio must be within [0, 1] (got %v)", c.Otel.SampleRatio))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
