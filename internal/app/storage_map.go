package app

import (
	"fmt"
	"strings"
	"time"

	"rubaz/internal/config"
	"rubaz/internal/storage"
)

const defaultStoragePath = "./rubaz.db"

// mapStorageConfig resolves the storage section. The store is required, so an
// omitted section means SQLite at defaultStoragePath.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
