// Package config loads the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// StorageConfig locates the data and log files and sizes the page cache.
type StorageConfig struct {
	DataFile string `yaml:"data_file"`
	// LogFile defaults to "<data file stem>-log<ext>".
	LogFile string `yaml:"log_file"`
	// PoolSize is the number of page buffers kept in memory.
	PoolSize int `yaml:"pool_size"`
	// MaxPendingPages makes writers wait for the queue once this many pages
	// are enqueued but not written. Zero disables backpressure.
	MaxPendingPages int `yaml:"max_pending_pages"`
	// CheckpointBytesPerSec throttles checkpoint copies. Zero is unthrottled.
	CheckpointBytesPerSec int64 `yaml:"checkpoint_bytes_per_sec"`
}

type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataFile:        "gojodb.db",
			PoolSize:        1024,
			MaxPendingPages: 4096,
		},
		Logger: logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName:      "gojodb",
			PrometheusPort:   9090,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults, so a file only needs the keys it
// changes, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Storage.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *StorageConfig) applyDefaults() {
	if c.LogFile == "" && c.DataFile != "" {
		c.LogFile = LogFileFor(c.DataFile)
	}
}

// LogFileFor derives the log file path that sits next to dataFile.
func LogFileFor(dataFile string) string {
	ext := filepath.Ext(dataFile)
	return dataFile[:len(dataFile)-len(ext)] + "-log" + ext
}

func (c Config) Validate() error {
	return errors.Join(
		c.Storage.Validate(),
		c.Logger.Validate(),
		c.Telemetry.Validate(),
	)
}

func (c StorageConfig) Validate() error {
	var errs []error
	if c.DataFile == "" {
		errs = append(errs, errors.New("storage.data_file is required"))
	}
	if c.LogFile != "" && c.LogFile == c.DataFile {
		errs = append(errs, errors.New("storage.log_file must differ from storage.data_file"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be positive, got %d", c.PoolSize))
	}
	if c.MaxPendingPages < 0 {
		errs = append(errs, fmt.Errorf("storage.max_pending_pages must not be negative, got %d", c.MaxPendingPages))
	}
	if c.CheckpointBytesPerSec < 0 {
		errs = append(errs, fmt.Errorf("storage.checkpoint_bytes_per_sec must not be negative, got %d", c.CheckpointBytesPerSec))
	}
	return errors.Join(errs...)
}
