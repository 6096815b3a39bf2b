package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WriteDefault writes a commented default configuration to path. Refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# storybrush configuration
# API keys use ${ENV_VAR} syntax to reference environment variables.
# Set these in your shell:
#   export STORYBRUSH_API_KEY=sk-...
#   export STORYBRUSH_IMAGE_API_KEY=sk-...   # optional, falls back to STORYBRUSH_API_KEY

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
