package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/loomworks/loom/provider/openai"
	"github.com/loomworks/loom/session"
)

// cliConfig is the session config plus the provider block the CLI needs for
// native mode.
type cliConfig struct {
	session.Config
	Provider openai.Config `json:"provider"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Config:   session.DefaultConfig(),
		Provider: openai.DefaultConfig(),
	}
}

// loadCLIConfig reads a JSON config file and merges it with defaults. An
// empty filename yields the defaults.
func loadCLIConfig(filename string) (*cliConfig, error) {
	cfg := defaultCLIConfig()
	if filename == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded cliConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Config.Merge(&loaded.Config)
	cfg.Provider.Merge(&loaded.Provider)
	return &cfg, nil
}
