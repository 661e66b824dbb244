package app

import "errors"

// Config holds the process-level settings handed in by the CLI.
type Config struct {
	ConfigPath string // hcl configuration file

	LogFormat   string
	LogLevel    string
	ControlPort int
}

// NewConfig validates the process-level configuration.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
