package turn

import "time"

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
	defaultToolParallelism = 4
)

// Config holds tuning parameters for the turn executor.
type Config struct {
	// MaxAttempts bounds provider calls per round, counting the first
	// attempt. Only transient failures are retried.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// InitialInterval is the first retry backoff delay.
	InitialInterval time.Duration `json:"initial_interval,omitempty"`

	// MaxInterval caps the exponential backoff delay.
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// ToolParallelism bounds concurrently running tool invocations.
	// Zero means unlimited.
	ToolParallelism int `json:"tool_parallelism,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		ToolParallelism: defaultToolParallelism,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.MaxAttempts > 0 {
		c.MaxAttempts = source.MaxAttempts
	}
	if source.InitialInterval > 0 {
		c.InitialInterval = source.InitialInterval
	}
	if source.MaxInterval > 0 {
		c.MaxInterval = source.MaxInterval
	}
	if source.ToolParallelism > 0 {
		c.ToolParallelism = source.ToolParallelism
	}
}
