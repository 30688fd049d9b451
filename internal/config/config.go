package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Scripts ScriptsConfig `toml:"scripts"`
	Query   QueryConfig   `toml:"query"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Name     string        `toml:"name"`
	TickRate time.Duration `toml:"tick_rate"`
}

type ScriptsConfig struct {
	Dir   string `toml:"dir"`   // root of the module tree
	Entry string `toml:"entry"` // module loaded at boot
	Watch bool   `toml:"watch"` // hot reload on source change
	Seed  string `toml:"seed"`  // optional world seed file (yaml)
}

type QueryConfig struct {
	RemovalHorizon uint64 `toml:"removal_horizon"` // ticks of removal events retained
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:     "moonbridge",
			TickRate: 50 * time.Millisecond,
		},
		Scripts: ScriptsConfig{
			Dir:   "scripts",
			Entry: "main",
			Watch: true,
		},
		Query: QueryConfig{
			RemovalHorizon: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
