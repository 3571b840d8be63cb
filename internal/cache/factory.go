package cache

import (
	"context"
	"fmt"
	"os"

	"censocore/internal/blob"
	"censocore/internal/infra/cache/sqlite"
)

// Driver identifies a cache backend.
type Driver string

const (
	DriverMemory Driver = "memory" // process lifetime (default)
	DriverSQLite Driver = "sqlite" // embedded file
	DriverBlob   Driver = "blob"   // objects in the configured blob store
	DriverNone   Driver = "none"   // always miss
)

// Config selects a backend.
type Config struct {
	Driver     Driver
	SQLitePath string
	Blob       blob.Store
}

// Open constructs the configured cache. Backends holding resources also
// implement io.Closer.
func Open(ctx context.Context, cfg Config) (Cache, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverBlob:
		if cfg.Blob == nil {
			return nil, fmt.Errorf("blob cache requires a blob store")
		}
		return NewBlob(cfg.Blob, ""), nil
	case DriverNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %s", driver)
	}
}

// OpenFromEnv reads the backend from the environment.
//
//	CENSO_CACHE_DRIVER: memory|sqlite|blob|none (default memory)
//	CENSO_CACHE_SQLITE_PATH: cache file when driver=sqlite (default ./censo-cache.db)
func OpenFromEnv(ctx context.Context, store blob.Store) (Cache, error) {
	return Open(ctx, Config{
		Driver:     Driver(os.Getenv("CENSO_CACHE_DRIVER")),
		SQLitePath: os.Getenv("CENSO_CACHE_SQLITE_PATH"),
		Blob:       store,
	})
}
