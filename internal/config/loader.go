package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const ConfigFileName = "room-relay.toml"

// LoadFromDir loads ConfigFileName from baseDir.
// Returns default config if file doesn't exist
func LoadFromDir(baseDir string) (*Config, error) {
	return LoadFromFile(filepath.Join(baseDir, ConfigFileName), false)
}

// LoadFromFile parses path over the defaults. A missing file yields the defaults unless
// required is set.
func LoadFromFile(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return DefaultConfig(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "LoadFromFile",
			"path":     path,
			"keys":     fmt.Sprint(undecoded),
		}).Warn("Ignoring unknown config keys")
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides. PORT selects the listening port.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Merge merges command-line flags into configuration
// Flags take precedence over config file and environment values
func (c *Config) Merge(port int, filesRoot string, verbosity int) {
	// Only override if flag was explicitly set
	if port != 0 {
		c.Server.Port = port
	}

	if filesRoot != "" {
		c.Files.Root = filesRoot
	}

	// Each -v raises the log level one step
	switch {
	case verbosity >= 2:
		c.Logging.Level = "trace"
	case verbosity == 1:
		c.Logging.Level = "debug"
	}
}

// LogLevel parses the configured logrus level.
func (c *Config) LogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Logging.Level)
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	// Validate port
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Server.Port)
	}

	// Validate port range
	if c.Server.PortRange < 1 {
		return fmt.Errorf("invalid port range: %d (must be >= 1)", c.Server.PortRange)
	}

	// Validate timeouts (should be positive)
	if c.Server.Timeouts.Read.Duration < 0 {
		return fmt.Errorf("invalid read timeout: %v (must be positive)", c.Server.Timeouts.Read)
	}
	if c.Server.Timeouts.Write.Duration < 0 {
		return fmt.Errorf("invalid write timeout: %v (must be positive)", c.Server.Timeouts.Write)
	}

	if c.WebSocket.SendQueueSize < 1 {
		return fmt.Errorf("invalid send queue size: %d (must be >= 1)", c.WebSocket.SendQueueSize)
	}
	if c.WebSocket.MessagesPerSecond < 0 {
		return fmt.Errorf("invalid message rate: %v (must be >= 0)", c.WebSocket.MessagesPerSecond)
	}

	if c.Room.GracePeriod.Duration <= 0 {
		return fmt.Errorf("invalid grace period: %v (must be positive)", c.Room.GracePeriod)
	}
	if c.Room.CodeAttempts < 1 {
		return fmt.Errorf("invalid code attempts: %d (must be >= 1)", c.Room.CodeAttempts)
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d (must be positive)", c.Transfer.ChunkSize)
	}
	if c.Transfer.MaxFileSize < 0 {
		return fmt.Errorf("invalid max file size: %d (must be >= 0)", c.Transfer.MaxFileSize)
	}
	// A chunk travels base64 encoded inside a JSON envelope.
	if need := c.Transfer.ChunkSize*4/3 + 1024; c.WebSocket.MaxMessageBytes > 0 && c.WebSocket.MaxMessageBytes < need {
		return fmt.Errorf("websocket maxMessageBytes %d cannot carry a %d byte chunk (need >= %d)",
			c.WebSocket.MaxMessageBytes, c.Transfer.ChunkSize, need)
	}

	for name, d := range map[string]Duration{
		"chunkTTL":           c.Maintenance.ChunkTTL,
		"chunkSweepInterval": c.Maintenance.ChunkSweepInterval,
		"roomSweepInterval":  c.Maintenance.RoomSweepInterval,
		"emptyRoomMaxAge":    c.Maintenance.EmptyRoomMaxAge,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid maintenance %s: %v (must be positive)", name, d)
		}
	}

	// Validate index file
	if c.Files.IndexFile == "" {
		return fmt.Errorf("index file cannot be empty")
	}

	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q (must be text or json)", c.Logging.Format)
	}

	return nil
}
