// Package config loads the apam configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maloquacious/apam/internal/logger"
	"github.com/maloquacious/apam/internal/store"
)

// Config is the contents of the configuration file.
type Config struct {
	// DataDir holds one database file per named store.
	DataDir string `yaml:"data_dir"`

	// Database is the store the server's tables live in.
	Database string `yaml:"database"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Server Server `yaml:"server"`
}

// Server configures `apam serve`.
type Server struct {
	Port            int           `yaml:"port"`
	AdminPort       int           `yaml:"admin_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:  store.DefaultDataDir,
		Database: "apam",
		LogLevel: "info",
		Server: Server{
			Port:            8080,
			AdminPort:       8383,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the values a server needs to start.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	if _, err := store.ValidateStoreName("config", c.Database); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("server.admin_port %d out of range", c.Server.AdminPort)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	return nil
}
