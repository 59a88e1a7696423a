package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
// ${VAR} references inside the file are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "read config %s", path)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, pkgerrors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, pkgerrors.Wrap(err, "apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "validate config")
	}
	return &cfg, nil
}
