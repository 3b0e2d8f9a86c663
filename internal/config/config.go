package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	MetaPath       string        `json:"meta_path" mapstructure:"meta_path"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
}

func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set defaults
	if cfg.MetaPath == "" {
		cfg.MetaPath = "openbase.meta.db"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MetaPath == "" {
		return fmt.Errorf("meta_path cannot be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}
