// Package config loads the daemon configuration.
package config

import (
	"os"

	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CCC configures the subscription table.
type CCC struct {
	// Capacity is the number of peer entries each descriptor can hold.
	Capacity int `yaml:"capacity" default:"8"`

	// Evict reclaims the least recently connected disconnected entry when
	// a descriptor is full.
	Evict bool `yaml:"evict" default:"true"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// RxMTU is the ATT MTU offered in MTU exchanges.
	RxMTU uint16 `yaml:"rx_mtu" default:"515"`

	// QueueDepth bounds the outbound PDU queue of each transport.
	QueueDepth int `yaml:"queue_depth" default:"8"`

	// PrepareQueueDepth bounds the per-connection prepare-write queue.
	PrepareQueueDepth int `yaml:"prepare_queue_depth" default:"4"`

	// SettingsPath is the CCC persistence file.
	SettingsPath string `yaml:"settings_path" default:"gattd.settings"`

	CCC CCC `yaml:"ccc"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML configuration file over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "can't read config")
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "can't parse config")
	}
	return c, nil
}

// Level parses the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
