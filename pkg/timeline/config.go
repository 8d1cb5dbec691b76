package timeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the engine's timing and fetch behavior. Zero values are
// replaced with defaults in PostProcess, so an empty config is valid.
type Config struct {
	// DecryptTimeout bounds how long a decrypt attempt waits for a
	// missing session key before failing retryably.
	DecryptTimeout string `yaml:"decrypt_timeout"`
	decryptTimeout time.Duration

	// PageLimit is the event count requested per pagination call.
	PageLimit int `yaml:"page_limit"`

	// OutboxRetryFloor/OutboxRetryCeiling bound the exponential backoff
	// between send attempts after transient failures.
	OutboxRetryFloor   string `yaml:"outbox_retry_floor"`
	OutboxRetryCeiling string `yaml:"outbox_retry_ceiling"`
	outboxRetryFloor   time.Duration
	outboxRetryCeiling time.Duration

	// OutboxRetention is how long sent messages stay in the outbox
	// before the maintenance sweep removes them.
	OutboxRetention string `yaml:"outbox_retention"`
	outboxRetention time.Duration

	// SendTimeout is the per-attempt deadline on outbox send calls.
	SendTimeout string `yaml:"send_timeout"`
	sendTimeout time.Duration
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	var err error
	if c.decryptTimeout, err = parseDuration("decrypt_timeout", c.DecryptTimeout, 10*time.Second); err != nil {
		return err
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 50
	}
	if c.outboxRetryFloor, err = parseDuration("outbox_retry_floor", c.OutboxRetryFloor, 2*time.Second); err != nil {
		return err
	}
	if c.outboxRetryCeiling, err = parseDuration("outbox_retry_ceiling", c.OutboxRetryCeiling, 5*time.Minute); err != nil {
		return err
	}
	if c.outboxRetention, err = parseDuration("outbox_retention", c.OutboxRetention, 24*time.Hour); err != nil {
		return err
	}
	if c.sendTimeout, err = parseDuration("send_timeout", c.SendTimeout, 30*time.Second); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return dur, nil
}

func (c *Config) DecryptTimeoutDuration() time.Duration { return c.decryptTimeout }
func (c *Config) OutboxRetryFloorDuration() time.Duration {
	return c.outboxRetryFloor
}
func (c *Config) OutboxRetryCeilingDuration() time.Duration {
	return c.outboxRetryCeiling
}
func (c *Config) OutboxRetentionDuration() time.Duration { return c.outboxRetention }
func (c *Config) SendTimeoutDuration() time.Duration     { return c.sendTimeout }
