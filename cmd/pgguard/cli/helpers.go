package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/pgguard/pgguard/internal/config"
)

// resolveDataDir returns the data directory from the --data-dir flag, the
// PGGUARD_DATA_DIR env var, or ~/.pgguard as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("PGGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pgguard")
}

// openConfigStore opens the SQLite key store under the data directory.
func openConfigStore() (*config.Store, error) {
	return config.NewStore(resolveDataDir())
}

// configFilePath resolves the YAML config file: the --config flag first,
// then whatever viper discovered in the search path.
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	if found := viper.ConfigFileUsed(); found != "" {
		return found, nil
	}
	return "", fmt.Errorf("no config file found; run 'pgguard config init' or pass --config")
}

// loadConfig reads and validates the gateway configuration.
func loadConfig() (*config.YAMLConfig, error) {
	path, err := configFilePath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadYAMLConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section. Output goes
// to stderr so stdio transports keep stdout to themselves.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
