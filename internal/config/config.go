// Package config loads tool configuration: built-in defaults, then an
// optional TOML file, then MLSVAULT_* environment overrides, in that
// order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultBackend        = "sqlite"
	defaultWorkers        = 1
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultLogMaxSizeMB   = 10
	defaultLogMaxFiles    = 5
	defaultArgon2MemKiB   = 64 * 1024
	defaultArgon2Iters    = 3
	defaultArgon2Parallel = 4
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Store   StoreConfig   `toml:"store"`
	Crypto  CryptoConfig  `toml:"crypto"`
	Logging LoggingConfig `toml:"logging"`
}

type StoreConfig struct {
	// Backend is sqlite or objstore.
	Backend string `toml:"backend" env:"MLSVAULT_STORE_BACKEND"`
	Path    string `toml:"path" env:"MLSVAULT_STORE_PATH"`
	Workers int    `toml:"workers" env:"MLSVAULT_STORE_WORKERS"`
}

// CryptoConfig holds the passphrase derivation cost parameters.
type CryptoConfig struct {
	Argon2MemoryKiB   uint32 `toml:"argon2_memory_kib" env:"MLSVAULT_ARGON2_MEMORY_KIB"`
	Argon2Iterations  uint32 `toml:"argon2_iterations" env:"MLSVAULT_ARGON2_ITERATIONS"`
	Argon2Parallelism uint8  `toml:"argon2_parallelism" env:"MLSVAULT_ARGON2_PARALLELISM"`
}

type LoggingConfig struct {
	Level     string `toml:"level" env:"MLSVAULT_LOG_LEVEL"`
	Format    string `toml:"format" env:"MLSVAULT_LOG_FORMAT"`
	File      string `toml:"file" env:"MLSVAULT_LOG_FILE"`
	MaxSizeMB int    `toml:"max_size_mb" env:"MLSVAULT_LOG_MAX_SIZE_MB"`
	MaxFiles  int    `toml:"max_files" env:"MLSVAULT_LOG_MAX_FILES"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: defaultBackend,
			Path:    "",
			Workers: defaultWorkers,
		},
		Crypto: CryptoConfig{
			Argon2MemoryKiB:   defaultArgon2MemKiB,
			Argon2Iterations:  defaultArgon2Iters,
			Argon2Parallelism: defaultArgon2Parallel,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    defaultLogFormat,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// DefaultPath is the config file consulted when none is given
// explicitly.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mlsvault", "config.toml")
}

// Load builds the effective configuration. A missing file at path is
// fine; a malformed one is not.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults plus env only.
		case err != nil:
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: parse %q: %v", ErrInvalidConfig, path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Store.Backend {
	case "sqlite", "objstore":
	default:
		return fmt.Errorf("%w: store.backend must be sqlite or objstore, got %q", ErrInvalidConfig, cfg.Store.Backend)
	}
	if cfg.Store.Workers < 1 {
		return fmt.Errorf("%w: store.workers must be >= 1", ErrInvalidConfig)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, cfg.Logging.Format)
	}
	if cfg.Crypto.Argon2Iterations == 0 || cfg.Crypto.Argon2Parallelism == 0 {
		return fmt.Errorf("%w: argon2 cost parameters must be positive", ErrInvalidConfig)
	}
	return nil
}
