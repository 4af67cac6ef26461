// Package config loads the CLI configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bridge      BridgeConfig `yaml:"bridge"`
	FirmwareDir string       `yaml:"firmware_dir"`
	LogLevel    string       `yaml:"log_level"`
}

// BridgeConfig describes the serial port of the register bridge MCU.
type BridgeConfig struct {
	Port          string `yaml:"port"`
	Baud          uint   `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Port:          "/dev/ttyACM0",
			Baud:          115200,
			ReadTimeoutMs: 100,
		},
		FirmwareDir: "firmware",
		LogLevel:    "info",
	}
}

// Load reads a config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Bridge.Port == "" {
		return fmt.Errorf("bridge.port must not be empty")
	}
	if c.Bridge.Baud == 0 {
		return fmt.Errorf("bridge.baud must not be zero")
	}
	if c.Bridge.ReadTimeoutMs < 0 {
		return fmt.Errorf("bridge.read_timeout_ms must not be negative")
	}
	if c.FirmwareDir == "" {
		return fmt.Errorf("firmware_dir must not be empty")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the parsed log level. Validate has already rejected
// anything unparseable.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func (c *BridgeConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}
