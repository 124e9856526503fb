// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Discord struct {
		// Token is the bot token. May be left empty and supplied through
		// the DISCORD_TOKEN environment variable instead.
		Token string `yaml:"token"`
	} `yaml:"discord"`

	Matrix struct {
		HomeserverURL string `yaml:"homeserver_url"`
		// AccessToken may be supplied through MATRIX_ACCESS_TOKEN.
		AccessToken string `yaml:"access_token"`
		UserID      string `yaml:"user_id"`
		// ServerName is the homeserver's federation name, used to strip
		// local user IDs down to their localpart.
		ServerName string `yaml:"server_name"`
		// ManagementRoom receives bridge error diagnostics. Empty disables
		// reporting.
		ManagementRoom string `yaml:"management_room"`
		// MediaDownloadURL is the public base for serving Matrix media to
		// Discord clients. Defaults to the homeserver's unauthenticated
		// media endpoint.
		MediaDownloadURL string `yaml:"media_download_url"`
	} `yaml:"matrix"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Bridge struct {
		// SpeedbumpChannels opt into the delete-window debounce on
		// message creation.
		SpeedbumpChannels []string `yaml:"speedbump_channels"`
		SpeedbumpDelay    int      `yaml:"speedbump_delay_ms"`

		RetriggerAttempts int `yaml:"retrigger_attempts"`
		RetriggerDelay    int `yaml:"retrigger_delay_ms"`

		BackfillLimit int `yaml:"backfill_limit"`
	} `yaml:"bridge"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills environment fallbacks, applies defaults and validates
// the fields nothing can run without.
func (c *Config) PostProcess() error {
	if c.Discord.Token == "" {
		c.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
	if c.Matrix.AccessToken == "" {
		c.Matrix.AccessToken = os.Getenv("MATRIX_ACCESS_TOKEN")
	}
	if c.Discord.Token == "" {
		return errors.New("config: discord token is not set")
	}
	if c.Matrix.HomeserverURL == "" {
		return errors.New("config: matrix homeserver_url is not set")
	}
	if c.Matrix.AccessToken == "" {
		return errors.New("config: matrix access_token is not set")
	}
	if c.Matrix.UserID == "" {
		return errors.New("config: matrix user_id is not set")
	}
	if c.Matrix.ServerName == "" {
		if _, after, found := strings.Cut(c.Matrix.UserID, ":"); found {
			c.Matrix.ServerName = after
		} else {
			return errors.New("config: matrix server_name is not set")
		}
	}
	if c.Matrix.MediaDownloadURL == "" {
		c.Matrix.MediaDownloadURL = strings.TrimSuffix(c.Matrix.HomeserverURL, "/") + "/_matrix/media/v3/download"
	}
	if c.Database.Path == "" {
		c.Database.Path = "bridge.db"
	}
	if c.Bridge.SpeedbumpDelay <= 0 {
		c.Bridge.SpeedbumpDelay = 1500
	}
	if c.Bridge.RetriggerAttempts <= 0 {
		c.Bridge.RetriggerAttempts = 5
	}
	if c.Bridge.RetriggerDelay <= 0 {
		c.Bridge.RetriggerDelay = 1000
	}
	if c.Bridge.BackfillLimit <= 0 {
		c.Bridge.BackfillLimit = 50
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// SpeedbumpWindow returns the debounce window as a duration.
func (c *Config) SpeedbumpWindow() time.Duration {
	return time.Duration(c.Bridge.SpeedbumpDelay) * time.Millisecond
}

// RetriggerWindow returns the delay between retrigger attempts.
func (c *Config) RetriggerWindow() time.Duration {
	return time.Duration(c.Bridge.RetriggerDelay) * time.Millisecond
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
