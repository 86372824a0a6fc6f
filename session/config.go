package session

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/turn"
)

// Config holds session subsystem initialization parameters.
type Config struct {
	Turn         turn.Config  `json:"turn"`
	Store        store.Config `json:"store"`
	QueueBuffer  int          `json:"queue_buffer,omitempty"`
	Observer     string       `json:"observer,omitempty"` // named observer from the observability registry
	SystemPrompt string       `json:"system_prompt,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Turn:        turn.DefaultConfig(),
		Store:       store.DefaultConfig(),
		QueueBuffer: defaultQueueBuffer,
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Turn.Merge(&source.Turn)
	c.Store.Merge(&source.Store)

	if source.QueueBuffer > 0 {
		c.QueueBuffer = source.QueueBuffer
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
	if source.SystemPrompt != "" {
		c.SystemPrompt = source.SystemPrompt
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
