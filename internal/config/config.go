// Package config loads incidentsync configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by server and client commands.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the sync server.
type ServerConfig struct {
	Addr    string `yaml:"addr"`     // e.g. 0.0.0.0:4100
	DataDir string `yaml:"data_dir"` // empty selects the in-memory store
	// MockDB selects the in-memory store, seeded with demo incidents.
	MockDB bool `yaml:"mock_db"`
	// BroadcastBuffer bounds the hub's inbound queue; overflow is dropped.
	BroadcastBuffer int `yaml:"broadcast_buffer"`
	// ClientBuffer bounds each observer's outbound queue.
	ClientBuffer int `yaml:"client_buffer"`
}

// ClientConfig configures a syncing device.
type ClientConfig struct {
	ServerURL      string        `yaml:"server_url"`
	DataDir        string        `yaml:"data_dir"`
	DeviceID       string        `yaml:"device_id"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Realtime       bool          `yaml:"realtime"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs without a config file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "0.0.0.0:4100",
			DataDir:         "./data/server",
			BroadcastBuffer: 256,
			ClientBuffer:    16,
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:4100",
			DataDir:        "./data/client",
			SyncInterval:   15 * time.Minute,
			RequestTimeout: 30 * time.Second,
			Realtime:       true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// UseMemoryStore reports whether the server should run on the in-memory store.
func (s ServerConfig) UseMemoryStore() bool {
	return s.MockDB || s.DataDir == ""
}

// Load reads path (when non-empty and present), then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Server.BroadcastBuffer <= 0 {
		return fmt.Errorf("server.broadcast_buffer must be positive, got %d", c.Server.BroadcastBuffer)
	}
	if c.Server.ClientBuffer <= 0 {
		return fmt.Errorf("server.client_buffer must be positive, got %d", c.Server.ClientBuffer)
	}
	if c.Client.SyncInterval < 0 {
		return fmt.Errorf("client.sync_interval must not be negative")
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent dirs.
func WriteDefault(path string) error {
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	if v, ok := lookup("INCIDENTSYNC_ADDR"); ok && v != "" {
		cfg.Server.Addr = v
	} else if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Addr = "0.0.0.0:" + v
	}
	if v, ok := lookup("DATABASE_PATH"); ok {
		cfg.Server.DataDir = v
	}
	if v, ok := lookup("MOCK_DB"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOCK_DB: %w", err)
		}
		cfg.Server.MockDB = b
	}
	if v, ok := lookup("INCIDENTSYNC_SERVER_URL"); ok && v != "" {
		cfg.Client.ServerURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookup("INCIDENTSYNC_DEVICE_ID"); ok && v != "" {
		cfg.Client.DeviceID = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
