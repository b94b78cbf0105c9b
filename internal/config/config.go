// Package config loads the CLI's YAML configuration file: symbol search
// paths, color mode, log levels, and the triage rule script path.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level CLI configuration document.
type Config struct {
	SymbolSearchPaths []string `yaml:"symbolSearchPaths"`
	Color             string   `yaml:"color"` // "auto", "always", "never"
	LogLevel          string   `yaml:"logLevel"`
	LogModules        string   `yaml:"logModules"`
	TriageRulePath    string   `yaml:"triageRulePath"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Color:    "auto",
		LogLevel: "warning",
	}
}

// Load reads and parses the YAML file at path. A missing file is not an
// error: Load returns Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
