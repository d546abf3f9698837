// Package config loads the YAML configuration file used by the strata CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Path is the store root directory.
	Path string `yaml:"path"`
	// MinimumFreeGB refuses to open a store on a nearly full filesystem.
	MinimumFreeGB uint64 `yaml:"minimumFreeGB"`
	// Compression enables lzma compression of stored chunks.
	Compression bool `yaml:"compression"`
	// LogLevel is a logrus level name: debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	GC GCConfig `yaml:"gc"`
}

type GCConfig struct {
	// MaxVersionsPerTable is the retention count below each branch head.
	MaxVersionsPerTable uint64 `yaml:"maxVersionsPerTable"`
	// IntervalSeconds is the AutoGC period; 0 disables AutoGC.
	IntervalSeconds uint64 `yaml:"intervalSeconds"`
}

// Load reads and validates a config file, filling defaults for omitted
// fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if config.Path == "" {
		return Config{}, fmt.Errorf("config %s: path is required", path)
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.GC.MaxVersionsPerTable == 0 {
		config.GC.MaxVersionsPerTable = 10
	}
	return config, nil
}
