// Package config loads service configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `env:"SHEETD_ADDR" envDefault:":8080"`
	// SheetDir is the default sheet directory, used when StateDSN is
	// empty and by the directory watcher.
	SheetDir string `env:"SHEETD_SHEET_DIR" envDefault:"cards"`
	// StateDSN overrides SheetDir with an explicit storage backend
	// (file://, memory://, postgres://).
	StateDSN string `env:"SHEETD_STATE_DSN"`
	// SaveQueueDSN selects the pending-write queue (memory:// or file://
	// for restart-durable queues).
	SaveQueueDSN  string `env:"SHEETD_SAVE_QUEUE_DSN"`
	SaveQueueSize int    `env:"SHEETD_SAVE_QUEUE_SIZE"`
	SaveWorkers   int    `env:"SHEETD_SAVE_WORKERS"`
	// WatchSheetDir hot-loads sheet files written by external tools.
	WatchSheetDir bool  `env:"SHEETD_WATCH_SHEET_DIR" envDefault:"true"`
	MaxBodyBytes  int64 `env:"SHEETD_MAX_BODY_BYTES"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
