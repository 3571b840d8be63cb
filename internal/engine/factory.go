package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"censocore/internal/blob"
	"censocore/internal/infra/engine/duckdb"
	"censocore/internal/infra/engine/postgis"
	"censocore/internal/infra/engine/sqlite"
	"censocore/internal/metrics"
)

// BlobScheme prefixes dataset locations stored in the blob store.
const BlobScheme = "blob://"

// Config selects and configures an engine driver.
type Config struct {
	Driver   Driver // default duckdb
	Dataset  Dataset
	PoolSize int

	// duckdb
	DuckDBPath string
	Extensions []string
	Threads    int

	// postgis
	PostGISDSN string
	SRID       int

	// sqlite
	SQLitePath string
	Refresh    bool

	// Blob resolves blob:// dataset locations. Optional.
	Blob    blob.Store
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Open connects the configured driver and wraps it in a Pool.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverDuckDB
	}
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch driver {
	case DriverDuckDB:
		ds, rerr := resolveDataset(ctx, cfg.Dataset, cfg.Blob)
		if rerr != nil {
			return nil, rerr
		}
		db, err = duckdb.Open(ctx, duckdb.Options{
			Dataset:    ds,
			Path:       cfg.DuckDBPath,
			Extensions: cfg.Extensions,
			Threads:    cfg.Threads,
		})
		dialect = duckdb.Dialect{}
	case DriverPostGIS:
		db, err = postgis.Open(ctx, cfg.PostGISDSN)
		dialect = postgis.Dialect{SRID: cfg.SRID}
	case DriverSQLite:
		db, err = sqlite.Open(ctx, sqlite.Options{
			Path:    cfg.SQLitePath,
			Dataset: cfg.Dataset,
			Fetch:   blobFetcher(cfg.Blob),
			Refresh: cfg.Refresh,
		})
		dialect = sqlite.Dialect{}
	default:
		return nil, fmt.Errorf("unknown engine driver %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return NewPool(db, dialect, cfg.PoolSize,
		WithDataset(cfg.Dataset),
		WithMetrics(cfg.Metrics),
		WithLogger(cfg.Logger),
	), nil
}

type localPather interface {
	LocalPath(key string) (string, error)
}

// resolveDataset rewrites blob:// locations into paths or presigned URLs
// the engine can read directly.
func resolveDataset(ctx context.Context, d Dataset, store blob.Store) (Dataset, error) {
	resolve := func(loc string) (string, error) {
		key, ok := strings.CutPrefix(loc, BlobScheme)
		if !ok {
			return loc, nil
		}
		if store == nil {
			return "", fmt.Errorf("dataset location %s needs a blob store", loc)
		}
		if lp, ok := store.(localPather); ok {
			return lp.LocalPath(key)
		}
		return store.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: time.Hour})
	}
	var err error
	if d.Radios, err = resolve(d.Radios); err != nil {
		return d, err
	}
	if d.Census, err = resolve(d.Census); err != nil {
		return d, err
	}
	if d.Metadata, err = resolve(d.Metadata); err != nil {
		return d, err
	}
	return d, nil
}

// blobFetcher extends sqlite.FetchLocal with blob:// locations.
func blobFetcher(store blob.Store) sqlite.Fetcher {
	return func(ctx context.Context, location string) (string, func(), error) {
		key, ok := strings.CutPrefix(location, BlobScheme)
		if !ok {
			return sqlite.FetchLocal(ctx, location)
		}
		if store == nil {
			return "", nil, fmt.Errorf("dataset location %s needs a blob store", location)
		}
		if lp, ok := store.(localPather); ok {
			path, err := lp.LocalPath(key)
			return path, nil, err
		}
		_, body, err := store.Get(ctx, key)
		if err != nil {
			return "", nil, err
		}
		defer func() { _ = body.Close() }()
		return sqlite.Spool(body)
	}
}
