// Package config loads broker and engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Log        LogConfig        `yaml:"log"`
}

// BrokerConfig selects and addresses a backend.
type BrokerConfig struct {
	// Kind is the backend adapter name: "kafka", "nats", or "rabbitmq".
	Kind string `yaml:"kind"`
	// Addrs are the broker addresses or URLs.
	Addrs []string `yaml:"addrs"`
	// Group is the consumer group or durable name, backend permitting.
	Group string `yaml:"group"`
	// Exchange is the AMQP exchange for the rabbitmq backend.
	Exchange string `yaml:"exchange"`
}

// SubscriberConfig carries the engine-level consumption defaults.
type SubscriberConfig struct {
	AckPolicy     string        `yaml:"ack_policy"`
	Batch         bool          `yaml:"batch"`
	MaxRecords    int           `yaml:"max_records"`
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// PublisherConfig carries the engine-level publish defaults.
type PublisherConfig struct {
	AwaitConfirm   bool          `yaml:"await_confirm"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	BreakerEnabled bool          `yaml:"breaker_enabled"`
	BreakerTrip    uint32        `yaml:"breaker_trip"`
	BreakerReset   time.Duration `yaml:"breaker_reset"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Subscriber: SubscriberConfig{
			AckPolicy:     "ack-first",
			MaxRecords:    100,
			Concurrency:   1,
			PollInterval:  time.Second,
			RetryInterval: 5 * time.Second,
		},
		Publisher: PublisherConfig{
			AwaitConfirm:  true,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			BreakerTrip:   5,
			BreakerReset:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a YAML configuration file, applying defaults for
// unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validKinds = map[string]bool{
	"kafka":    true,
	"nats":     true,
	"rabbitmq": true,
}

var validPolicies = map[string]bool{
	"ack-first":       true,
	"reject-on-error": true,
	"manual":          true,
	"do-nothing":      true,
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Broker.Kind == "" {
		return fmt.Errorf("broker.kind is required")
	}
	if !validKinds[c.Broker.Kind] {
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	if len(c.Broker.Addrs) == 0 {
		return fmt.Errorf("broker.addrs requires at least one address")
	}
	if c.Subscriber.AckPolicy != "" && !validPolicies[c.Subscriber.AckPolicy] {
		return fmt.Errorf("unknown ack policy %q", c.Subscriber.AckPolicy)
	}
	if c.Subscriber.Batch && c.Subscriber.Concurrency > 1 {
		return fmt.Errorf("subscriber.batch cannot be combined with concurrency > 1")
	}
	if c.Subscriber.Concurrency < 0 {
		return fmt.Errorf("subscriber.concurrency cannot be negative")
	}
	return nil
}
