package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads the YAML config at path. Unknown fields are rejected so typos
// fail loudly instead of silently falling back to defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Normalize fills missing/zero values with defaults so partially filled
// configs still behave.
func (c *Config) Normalize() {
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "./beanprepared.db"
	}
	if c.Dispatch.Provider == "" {
		c.Dispatch.Provider = "onesignal"
	}
	if c.Dispatch.RatePerSec <= 0 {
		c.Dispatch.RatePerSec = 10
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.Heading == "" {
		c.Engine.Heading = "BeanPrepared"
	}
	if c.Scheduler.Tick == "" {
		c.Scheduler.Tick = "* * * * *"
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = "127.0.0.1:8686"
	}
}
