package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultConfigFile is read from the working directory when no -config is given
const DefaultConfigFile = "shellmates.toml"

// Config is the on-disk configuration
type Config struct {
	Client ClientSection `toml:"client"`
	Server ServerSection `toml:"server"`
	Log    LogSection    `toml:"log"`
}

// ClientSection configures the terminal client
type ClientSection struct {
	Name               string  `toml:"name"`
	Endpoint           string  `toml:"endpoint"`
	MaxRetries         int     `toml:"max_retries"`
	BackoffBaseMs      int     `toml:"backoff_base_ms"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffMaxMs       int     `toml:"backoff_max_ms"`
	MaxMalformedFrames int     `toml:"max_malformed_frames"`
	MaxMessageLength   int     `toml:"max_message_length"`
	WriteTimeoutMs     int     `toml:"write_timeout_ms"`
	DialTimeoutMs      int     `toml:"dial_timeout_ms"`
}

// ServerSection configures the chat server
type ServerSection struct {
	Listen           string  `toml:"listen"`
	Path             string  `toml:"path"`
	MaxClients       int     `toml:"max_clients"`
	UniqueNames      bool    `toml:"unique_names"`
	SendQueueSize    int     `toml:"send_queue_size"`
	RatePerSecond    float64 `toml:"rate_per_second"`
	RateBurst        int     `toml:"rate_burst"`
	MaxNameLength    int     `toml:"max_name_length"`
	MaxMessageLength int     `toml:"max_message_length"`
	WatchConfig      bool    `toml:"watch_config"`
}

// LogSection configures logging
type LogSection struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Format string `toml:"format"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		Client: ClientSection{
			Name:               DefaultPlayerName,
			Endpoint:           "ws://localhost:8989/ws",
			MaxRetries:         5,
			BackoffBaseMs:      500,
			BackoffMultiplier:  2,
			BackoffMaxMs:       10000,
			MaxMalformedFrames: 3,
			MaxMessageLength:   2000,
			WriteTimeoutMs:     5000,
			DialTimeoutMs:      5000,
		},
		Server: ServerSection{
			Listen:           ":8989",
			Path:             "/ws",
			MaxClients:       10,
			SendQueueSize:    256,
			RatePerSecond:    20,
			RateBurst:        40,
			MaxNameLength:    32,
			MaxMessageLength: 2000,
			WatchConfig:      true,
		},
		Log: LogSection{
			Level:  "info",
			File:   "chat.log",
			Format: "text",
		},
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values LoadConfig can not default
func (c Config) Validate() error {
	cl := c.Client
	if _, err := ValidateName(cl.Name, c.Server.MaxNameLength); err != nil {
		return fmt.Errorf("client.name: %w", err)
	}
	if cl.MaxRetries <= 0 {
		return fmt.Errorf("client.max_retries must be positive")
	}
	if cl.BackoffBaseMs <= 0 || cl.BackoffMaxMs <= 0 {
		return fmt.Errorf("client backoff delays must be positive")
	}
	if cl.BackoffBaseMs > cl.BackoffMaxMs {
		return fmt.Errorf("client.backoff_base_ms is larger than client.backoff_max_ms")
	}
	if cl.BackoffMultiplier < 1 {
		return fmt.Errorf("client.backoff_multiplier must be at least 1")
	}
	if cl.MaxMessageLength <= 0 || c.Server.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive")
	}
	if c.Server.MaxClients < 0 {
		return fmt.Errorf("server.max_clients must not be negative")
	}
	if c.Server.RatePerSecond < 0 {
		return fmt.Errorf("server.rate_per_second must not be negative")
	}
	return nil
}

// ClientConfig builds the client settings for this configuration
func (c Config) ClientConfig() ClientConfig {
	cfg := DefaultClientConfig(c.Client.Name)
	cfg.MaxRetries = c.Client.MaxRetries
	cfg.Backoff = Backoff{
		Base:       time.Duration(c.Client.BackoffBaseMs) * time.Millisecond,
		Multiplier: c.Client.BackoffMultiplier,
		Max:        time.Duration(c.Client.BackoffMaxMs) * time.Millisecond,
	}
	cfg.MaxMalformedFrames = c.Client.MaxMalformedFrames
	cfg.MaxMessageLength = c.Client.MaxMessageLength
	cfg.HandshakeTimeout = time.Duration(c.Client.DialTimeoutMs) * time.Millisecond
	cfg.WriteTimeout = time.Duration(c.Client.WriteTimeoutMs) * time.Millisecond
	return cfg
}

// ServerConfig builds the server settings for this configuration
func (c Config) ServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Policy = c.Server.Policy()
	cfg.Path = c.Server.Path
	cfg.SendQueueSize = c.Server.SendQueueSize
	cfg.MaxNameLength = c.Server.MaxNameLength
	cfg.MaxMessageLength = c.Server.MaxMessageLength
	return cfg
}

// Policy extracts the reloadable part of the server section
func (s ServerSection) Policy() Policy {
	return Policy{
		MaxClients:    s.MaxClients,
		UniqueNames:   s.UniqueNames,
		RatePerSecond: s.RatePerSecond,
		RateBurst:     s.RateBurst,
	}
}

// WatchConfig reloads path whenever it changes and hands the new
// configuration to apply. Loading errors are logged and the previous
// configuration stays in effect. It returns when ctx is done.
func WatchConfig(ctx context.Context, path string, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	// editors replace files on save, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	logger := log.WithField("config", path)
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				logger.WithError(err).Warn("config reload failed")
				continue
			}
			logger.Info("config reloaded")
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("config watcher error")
		}
	}
}
