// Package config holds the runtime configuration of the DVR service.
// Values come from an optional YAML file overlaid by command line
// flags; flags always win.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http"`

	// Discovery and polling.
	Service     string `yaml:"service"`       // service tag to discover
	CheckPeriod int    `yaml:"check_seconds"` // steady-state poll period
	Peers       string `yaml:"peers"`         // comma-separated static base URLs
	PeersFile   string `yaml:"peers_file"`    // watched YAML peer list

	// Archive.
	StoreRoot    string `yaml:"store"`
	CleanPercent int    `yaml:"clean_percent"` // 0 disables cleanup
	QueueSize    int    `yaml:"queue"`

	// External services.
	NATSURL       string `yaml:"nats"`
	RedisAddr     string `yaml:"redis"`
	RedisPassword string `yaml:"redis_password"`

	// Browser UI bundle directory. Empty disables the static mount.
	UIDir string `yaml:"ui"`
}

func Default() Config {
	return Config{
		HTTPAddr:    ":8090",
		Service:     "cctv",
		CheckPeriod: 30,
		StoreRoot:   "/storage/motion/videos",
		QueueSize:   128,
	}
}

// LoadFile overlays values from a YAML file. Unset fields keep their
// current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
