// Package app assembles engines, caches and loaders from configuration and
// hands them to the CLI and the HTTP server.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"censocore/internal/blob"
	"censocore/internal/cache"
	"censocore/internal/catalog"
	"censocore/internal/config"
	"censocore/internal/engine"
	"censocore/internal/layer"
	"censocore/internal/metrics"
)

// Edition is the service set of one census year.
type Edition struct {
	Year    string
	Pool    *engine.Pool
	Catalog *catalog.Catalog
	Loader  *layer.Loader
}

// App owns the process-wide resources. Editions open lazily and are shared.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Prometheus
	Blob    blob.Store // nil unless configured
	Cache   cache.Cache

	mu       sync.Mutex
	editions map[string]*Edition
}

// New opens the blob store and category cache described by cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.NewPrometheus(),
		editions: make(map[string]*Edition),
	}
	if cfg.BlobDriver != "" || cfg.CacheDriver == string(cache.DriverBlob) {
		store, err := blob.OpenDriver(ctx, blob.Driver(cfg.BlobDriver), cfg.BlobFSRoot)
		if err != nil {
			return nil, err
		}
		a.Blob = store
	}
	c, err := cache.Open(ctx, cache.Config{
		Driver:     cache.Driver(cfg.CacheDriver),
		SQLitePath: cfg.CacheSQLitePath,
		Blob:       a.Blob,
	})
	if err != nil {
		return nil, err
	}
	a.Cache = c
	return a, nil
}

// Edition returns the services for year, opening its engine on first use.
func (a *App) Edition(ctx context.Context, year string) (*Edition, error) {
	if year == "" {
		year = a.Config.Year
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ed, ok := a.editions[year]; ok {
		return ed, nil
	}
	ecfg, err := a.Config.Engine(year)
	if err != nil {
		return nil, err
	}
	ecfg.Blob = a.Blob
	ecfg.Metrics = a.Metrics
	ecfg.Logger = a.Logger
	a.Logger.InfoContext(ctx, "opening engine", "year", year, "driver", ecfg.Driver)
	pool, err := engine.Open(ctx, ecfg)
	if err != nil {
		return nil, err
	}
	cat := catalog.New(pool, pool.Schema(),
		catalog.WithCache(a.Cache, ecfg.Dataset.Version),
		catalog.WithRetry(a.Config.ResolveRetries, a.Config.ResolveBackoff),
		catalog.WithMetrics(a.Metrics),
		catalog.WithLogger(a.Logger),
	)
	loader := layer.NewLoader(pool, cat,
		layer.WithPolicy(a.Config.Policy()),
		layer.WithParallelism(a.Config.ResolveParallelism),
		layer.WithMetrics(a.Metrics),
		layer.WithLogger(a.Logger),
	)
	ed := &Edition{Year: year, Pool: pool, Catalog: cat, Loader: loader}
	a.editions[year] = ed
	return ed, nil
}

// Close releases every opened engine and the cache.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for year, ed := range a.editions {
		errs = append(errs, ed.Pool.Close())
		delete(a.editions, year)
	}
	if c, ok := a.Cache.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
