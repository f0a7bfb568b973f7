// Package config loads the captcha gate configuration from TOML.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/dobrevit/captcha-gate/pkg/challenge"
	"github.com/dobrevit/captcha-gate/pkg/escalation"
	"github.com/dobrevit/captcha-gate/pkg/session"
)

// Config represents the main application configuration.
type Config struct {
	Server    ServerConfig      `toml:"server"`
	Challenge ChallengeConfig   `toml:"challenge"`
	Session   session.Config    `toml:"session"`
	Bans      escalation.Config `toml:"bans"`
	Logging   LoggingConfig     `toml:"logging"`
}

// ServerConfig contains server-specific configuration.
type ServerConfig struct {
	Bind string `toml:"bind"`

	// TrustProxyHeaders controls whether X-Forwarded-For/X-Real-IP are
	// believed. Enable only behind a proxy that strips client-supplied
	// values.
	TrustProxyHeaders bool `toml:"trustProxyHeaders"`
}

// ChallengeConfig contains challenge generation configuration.
type ChallengeConfig struct {
	Length int `toml:"length"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: ":8440",
		},
		Challenge: ChallengeConfig{
			Length: challenge.DefaultLength,
		},
		Session: session.DefaultConfig(),
		Bans:    escalation.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from a TOML file. A missing path or file
// yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename == "" {
		return config, nil
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return config, nil
	}

	if _, err := toml.DecodeFile(filename, config); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves configuration to a TOML file.
func SaveConfig(config *Config, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(config)
}
