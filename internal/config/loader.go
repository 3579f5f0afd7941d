package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a config file, layering it over defaults. An empty path
// or a missing file yields plain defaults; a present but malformed
// file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	//nolint:gosec // G304: Path comes from the operator's command line.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
