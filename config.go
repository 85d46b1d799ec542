package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the configuration of one dispatch run. StreamName, ConsumerName
// and MaxMessages have no defaults; every other field falls back to the
// value in DefaultConfig when left zero.
type Config struct {
	// StreamName identifies the source stream.
	StreamName string `yaml:"stream_name" env:"DISPATCH_STREAM_NAME"`

	// ConsumerName identifies this consumer within the consumer group.
	ConsumerName string `yaml:"consumer_name" env:"DISPATCH_CONSUMER_NAME"`

	// MaxMessages bounds the number of messages read per poll.
	MaxMessages int `yaml:"max_messages" env:"DISPATCH_MAX_MESSAGES"`

	// Group is the consumer group shared by cooperating dispatchers.
	Group string `yaml:"group" env:"DISPATCH_GROUP"`

	// PollTimeout bounds how long one poll waits for messages.
	PollTimeout time.Duration `yaml:"poll_timeout" env:"DISPATCH_POLL_TIMEOUT"`

	// DeliveryTimeout bounds a single signal call to the engine.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"DISPATCH_DELIVERY_TIMEOUT"`

	// AttemptTimeout bounds all delivery attempts of one message in one
	// batch, including backoff waits.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"DISPATCH_ATTEMPT_TIMEOUT"`

	// AckTimeout bounds the acknowledgment call after a batch settles.
	AckTimeout time.Duration `yaml:"ack_timeout" env:"DISPATCH_ACK_TIMEOUT"`

	// Workers bounds how many messages of a batch are processed at once.
	Workers int `yaml:"workers" env:"DISPATCH_WORKERS"`

	// NotFoundMaxAttempts is the number of delivery attempts made while the
	// target workflow does not exist before the message is rejected.
	NotFoundMaxAttempts int `yaml:"not_found_max_attempts" env:"DISPATCH_NOT_FOUND_MAX_ATTEMPTS"`

	// BackoffInitial is the wait before the first retry. Each further wait
	// doubles, up to BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial" env:"DISPATCH_BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" env:"DISPATCH_BACKOFF_MAX"`
}

// DefaultConfig returns a Config with defaults for every optional field.
func DefaultConfig() Config {
	return Config{
		Group:               "dispatcher",
		PollTimeout:         5 * time.Second,
		DeliveryTimeout:     10 * time.Second,
		AttemptTimeout:      time.Minute,
		AckTimeout:          10 * time.Second,
		Workers:             8,
		NotFoundMaxAttempts: 5,
		BackoffInitial:      time.Second,
		BackoffMax:          30 * time.Second,
	}
}

// LoadConfig reads a Config from the YAML file at path, with environment
// variables taking precedence, and validates it. An empty path reads the
// environment only.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = cleanenv.ReadConfig(path, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults returns a copy of c with zero optional fields set from
// DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Group == "" {
		c.Group = def.Group
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.NotFoundMaxAttempts == 0 {
		c.NotFoundMaxAttempts = def.NotFoundMaxAttempts
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = def.BackoffMax
	}
	return c
}

// Validate reports every invalid field. All problems wrap ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.StreamName == "" {
		add("stream name is required")
	}
	if c.ConsumerName == "" {
		add("consumer name is required")
	}
	if c.MaxMessages <= 0 {
		add("max messages must be positive (got %d)", c.MaxMessages)
	}
	if c.Group == "" {
		add("group is required")
	}
	if c.PollTimeout <= 0 {
		add("poll timeout must be positive (got %s)", c.PollTimeout)
	}
	if c.DeliveryTimeout <= 0 {
		add("delivery timeout must be positive (got %s)", c.DeliveryTimeout)
	}
	if c.AttemptTimeout < c.DeliveryTimeout {
		add("attempt timeout %s is shorter than delivery timeout %s", c.AttemptTimeout, c.DeliveryTimeout)
	}
	if c.AckTimeout <= 0 {
		add("ack timeout must be positive (got %s)", c.AckTimeout)
	}
	if c.Workers <= 0 {
		add("workers must be positive (got %d)", c.Workers)
	}
	if c.NotFoundMaxAttempts < 2 {
		add("not found max attempts must allow at least one retry (got %d)", c.NotFoundMaxAttempts)
	}
	if c.BackoffInitial <= 0 {
		add("backoff initial must be positive (got %s)", c.BackoffInitial)
	}
	if c.BackoffMax < c.BackoffInitial {
		add("backoff max %s is shorter than backoff initial %s", c.BackoffMax, c.BackoffInitial)
	}
	if waits := c.NotFoundWaits(); c.BackoffInitial > 0 && c.NotFoundMaxAttempts >= 2 && waits >= c.AttemptTimeout {
		add("not found backoff of %s over %d attempts does not fit attempt timeout %s", waits, c.NotFoundMaxAttempts, c.AttemptTimeout)
	}

	return errors.Join(problems...)
}

// NotFoundWaits returns the nominal backoff spent between the
// NotFoundMaxAttempts attempts made for a missing workflow.
func (c Config) NotFoundWaits() time.Duration {
	var total time.Duration
	wait := c.BackoffInitial
	for range c.NotFoundMaxAttempts - 1 {
		total += min(wait, c.BackoffMax)
		if wait < c.BackoffMax {
			wait *= 2
		}
	}
	return total
}

// BatchBudget returns the longest a polled message can stay unacknowledged:
// every worker round of a full batch spending its AttemptTimeout, then the
// acknowledgment. A stream that hands idle messages to other consumers must
// wait longer than this.
func (c Config) BatchBudget() time.Duration {
	rounds := 1
	if c.Workers > 0 && c.MaxMessages > c.Workers {
		rounds = (c.MaxMessages + c.Workers - 1) / c.Workers
	}
	return time.Duration(rounds)*c.AttemptTimeout + c.AckTimeout
}
