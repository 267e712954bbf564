// Package cmd implements the warden subcommands.
package cmd

import (
	"errors"
	"io/fs"
	"os"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

// DefaultConfigPath is where the daemon looks for its configuration
// when no -config flag is given.
const DefaultConfigPath = "/etc/warden/warden.hcl"

// loadConfig reads the configuration file, falling back to the built-in
// defaults when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// setupLogging installs the process-wide logger from configuration.
func setupLogging(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Output: os.Stderr,
		JSON:   cfg.Logging.JSON,
	})
	logging.SetDefault(logger)
	return logger
}
