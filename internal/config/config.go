// Package config reads runtime settings from the environment, optionally
// seeded from a .env file.
//
//	CENSO_YEAR                  2022|2010 (default 2022)
//	CENSO_BASE_URL              dataset root (default the source.coop mirror)
//	CENSO_DATASET_VERSION       category cache version (default derived from the dataset files)
//	CENSO_ENGINE_DRIVER         duckdb|postgis|sqlite (default duckdb)
//	CENSO_ENGINE_POOL_SIZE      concurrent engine connections (default 4)
//	CENSO_DUCKDB_PATH           persistent DuckDB file (default in memory)
//	CENSO_DUCKDB_THREADS        DuckDB worker threads
//	CENSO_POSTGIS_DSN           PostGIS connection string
//	CENSO_POSTGIS_SRID          geometry SRID of the PostGIS tables (default 4326)
//	CENSO_SQLITE_PATH           SQLite engine file (default ./censodata/censo-{year}.db)
//	CENSO_SQLITE_REFRESH        reload parquet into SQLite on open
//	CENSO_CACHE_DRIVER          memory|sqlite|blob|none (default memory)
//	CENSO_CACHE_SQLITE_PATH     category cache file
//	CENSO_BLOB_DRIVER           fs|s3|memory (default fs)
//	CENSO_BLOB_FS_ROOT          blob root for the fs driver
//	CENSO_COLUMNS_WARN          warn above this many columns (default 50)
//	CENSO_COLUMNS_CONFIRM       require confirmation above this many (default 100)
//	CENSO_RESOLVE_RETRIES       category lookup attempts (default 3)
//	CENSO_RESOLVE_BACKOFF       base retry backoff (default 1s)
//	CENSO_RESOLVE_PARALLELISM   concurrent category lookups (default 4)
//	CENSO_ADDR                  HTTP listen address (default :8080)
//	LOG_LEVEL                   debug|info|warn|error
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/joho/godotenv"

	"censocore/internal/engine"
	"censocore/internal/pivot"
)

// DefaultBaseURL hosts the published census parquet files.
const DefaultBaseURL = "https://data.source.coop/nlebovits/censo-argentino"

// Years lists the supported census editions, newest first.
var Years = []string{"2022", "2010"}

// Config holds every runtime setting.
type Config struct {
	Year           string `json:"year"`
	BaseURL        string `json:"base_url"`
	DatasetVersion string `json:"dataset_version,omitempty"`

	EngineDriver  engine.Driver `json:"engine_driver"`
	PoolSize      int           `json:"pool_size"`
	DuckDBPath    string        `json:"duckdb_path,omitempty"`
	DuckDBThreads int           `json:"duckdb_threads,omitempty"`
	PostGISDSN    string        `json:"-"`
	PostGISSRID   int           `json:"postgis_srid,omitempty"`
	SQLitePath    string        `json:"sqlite_path,omitempty"`
	SQLiteRefresh bool          `json:"sqlite_refresh,omitempty"`

	CacheDriver     string `json:"cache_driver"`
	CacheSQLitePath string `json:"cache_sqlite_path,omitempty"`
	BlobDriver      string `json:"blob_driver,omitempty"`
	BlobFSRoot      string `json:"blob_fs_root,omitempty"`

	ColumnsWarn        int           `json:"columns_warn"`
	ColumnsConfirm     int           `json:"columns_confirm"`
	ResolveRetries     int           `json:"resolve_retries"`
	ResolveBackoff     time.Duration `json:"resolve_backoff"`
	ResolveParallelism int           `json:"resolve_parallelism"`

	Addr     string `json:"addr"`
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Year:               Years[0],
		BaseURL:            DefaultBaseURL,
		EngineDriver:       engine.DriverDuckDB,
		PoolSize:           4,
		PostGISSRID:        4326,
		CacheDriver:        "memory",
		ColumnsWarn:        pivot.DefaultWarn,
		ColumnsConfirm:     pivot.DefaultConfirm,
		ResolveRetries:     3,
		ResolveBackoff:     time.Second,
		ResolveParallelism: 4,
		Addr:               ":8080",
		LogLevel:           "info",
	}
}

// Load reads the named .env files (default ".env") into the process
// environment without overriding variables already set, then builds the
// configuration. Missing .env files are ignored.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, name := range envFiles {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", name, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from defaults and the environment.
func FromEnv() (Config, error) {
	var (
		env Config
		err error
	)
	env.Year = strings.TrimSpace(os.Getenv("CENSO_YEAR"))
	env.BaseURL = strings.TrimSpace(os.Getenv("CENSO_BASE_URL"))
	env.DatasetVersion = strings.TrimSpace(os.Getenv("CENSO_DATASET_VERSION"))
	env.EngineDriver = engine.Driver(strings.ToLower(strings.TrimSpace(os.Getenv("CENSO_ENGINE_DRIVER"))))
	env.DuckDBPath = strings.TrimSpace(os.Getenv("CENSO_DUCKDB_PATH"))
	env.PostGISDSN = strings.TrimSpace(os.Getenv("CENSO_POSTGIS_DSN"))
	env.SQLitePath = strings.TrimSpace(os.Getenv("CENSO_SQLITE_PATH"))
	env.CacheDriver = strings.ToLower(strings.TrimSpace(os.Getenv("CENSO_CACHE_DRIVER")))
	env.CacheSQLitePath = strings.TrimSpace(os.Getenv("CENSO_CACHE_SQLITE_PATH"))
	env.BlobDriver = strings.ToLower(strings.TrimSpace(os.Getenv("CENSO_BLOB_DRIVER")))
	env.BlobFSRoot = strings.TrimSpace(os.Getenv("CENSO_BLOB_FS_ROOT"))
	env.Addr = strings.TrimSpace(os.Getenv("CENSO_ADDR"))
	env.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))

	ints := []struct {
		name string
		dst  *int
	}{
		{"CENSO_ENGINE_POOL_SIZE", &env.PoolSize},
		{"CENSO_DUCKDB_THREADS", &env.DuckDBThreads},
		{"CENSO_POSTGIS_SRID", &env.PostGISSRID},
		{"CENSO_COLUMNS_WARN", &env.ColumnsWarn},
		{"CENSO_COLUMNS_CONFIRM", &env.ColumnsConfirm},
		{"CENSO_RESOLVE_RETRIES", &env.ResolveRetries},
		{"CENSO_RESOLVE_PARALLELISM", &env.ResolveParallelism},
	}
	for _, v := range ints {
		if *v.dst, err = intEnv(v.name); err != nil {
			return Config{}, err
		}
	}
	if value := strings.TrimSpace(os.Getenv("CENSO_RESOLVE_BACKOFF")); value != "" {
		if env.ResolveBackoff, err = time.ParseDuration(value); err != nil {
			return Config{}, fmt.Errorf("parse CENSO_RESOLVE_BACKOFF: %w", err)
		}
	}
	if value := strings.TrimSpace(os.Getenv("CENSO_SQLITE_REFRESH")); value != "" {
		if env.SQLiteRefresh, err = strconv.ParseBool(value); err != nil {
			return Config{}, fmt.Errorf("parse CENSO_SQLITE_REFRESH: %w", err)
		}
	}
	cfg := DefaultConfig().Merge(env)
	return cfg, cfg.Validate()
}

func intEnv(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

// Merge returns c with every set field of override applied.
func (c Config) Merge(override Config) Config {
	out := c
	str := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	pos := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	str(&out.Year, override.Year)
	str(&out.BaseURL, override.BaseURL)
	str(&out.DatasetVersion, override.DatasetVersion)
	if override.EngineDriver != "" {
		out.EngineDriver = override.EngineDriver
	}
	pos(&out.PoolSize, override.PoolSize)
	str(&out.DuckDBPath, override.DuckDBPath)
	pos(&out.DuckDBThreads, override.DuckDBThreads)
	str(&out.PostGISDSN, override.PostGISDSN)
	pos(&out.PostGISSRID, override.PostGISSRID)
	str(&out.SQLitePath, override.SQLitePath)
	out.SQLiteRefresh = out.SQLiteRefresh || override.SQLiteRefresh
	str(&out.CacheDriver, override.CacheDriver)
	str(&out.CacheSQLitePath, override.CacheSQLitePath)
	str(&out.BlobDriver, override.BlobDriver)
	str(&out.BlobFSRoot, override.BlobFSRoot)
	pos(&out.ColumnsWarn, override.ColumnsWarn)
	pos(&out.ColumnsConfirm, override.ColumnsConfirm)
	pos(&out.ResolveRetries, override.ResolveRetries)
	if override.ResolveBackoff > 0 {
		out.ResolveBackoff = override.ResolveBackoff
	}
	pos(&out.ResolveParallelism, override.ResolveParallelism)
	str(&out.Addr, override.Addr)
	str(&out.LogLevel, override.LogLevel)
	return out
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	if _, err := GeoIDColumn(c.Year); err != nil {
		return err
	}
	switch c.EngineDriver {
	case engine.DriverDuckDB, engine.DriverSQLite:
	case engine.DriverPostGIS:
		if c.PostGISDSN == "" {
			return errors.New("CENSO_POSTGIS_DSN is required for the postgis engine")
		}
	default:
		return fmt.Errorf("unknown engine driver %q", c.EngineDriver)
	}
	if c.ColumnsWarn > c.ColumnsConfirm {
		return fmt.Errorf("column warn threshold %d above confirm threshold %d", c.ColumnsWarn, c.ColumnsConfirm)
	}
	return nil
}

// GeoIDColumn returns the leaf id column of a census year.
func GeoIDColumn(year string) (string, error) {
	for _, y := range Years {
		if y == year {
			return "COD_" + year, nil
		}
	}
	return "", fmt.Errorf("unsupported census year %q (want one of %s)", year, strings.Join(Years, ", "))
}

// Dataset returns the locations of the three relations for year.
func (c Config) Dataset(year string) (engine.Dataset, error) {
	col, err := GeoIDColumn(year)
	if err != nil {
		return engine.Dataset{}, err
	}
	base := strings.TrimSuffix(c.BaseURL, "/") + "/" + year + "/"
	ds := engine.Dataset{
		Year:        year,
		GeoIDColumn: col,
		Radios:      base + "radios.parquet",
		Census:      base + "census-data.parquet",
		Metadata:    base + "metadata.parquet",
	}
	ds.Version = c.datasetVersion(ds)
	return ds, nil
}

// datasetVersion keys the category cache. CENSO_DATASET_VERSION wins;
// otherwise the version follows the file locations, so pointing at other
// files starts from an empty cache. Files replaced in place keep their
// version until CENSO_DATASET_VERSION changes.
func (c Config) datasetVersion(ds engine.Dataset) string {
	if c.DatasetVersion != "" {
		return ds.Year + "-" + c.DatasetVersion
	}
	h := xxhash.New()
	for _, loc := range []string{ds.Radios, ds.Census, ds.Metadata} {
		_, _ = h.WriteString(loc)
		_, _ = h.WriteString("\n")
	}
	return ds.Year + "-" + strconv.FormatUint(h.Sum64(), 16)
}

// Policy returns the column-count thresholds.
func (c Config) Policy() pivot.Policy {
	return pivot.Policy{Warn: c.ColumnsWarn, Confirm: c.ColumnsConfirm}
}

// Engine returns the engine settings for year. Metrics, logger and blob
// store are left for the caller.
func (c Config) Engine(year string) (engine.Config, error) {
	ds, err := c.Dataset(year)
	if err != nil {
		return engine.Config{}, err
	}
	sqlitePath := c.yearPath(c.SQLitePath, year)
	if sqlitePath == "" {
		sqlitePath = filepath.Join("censodata", "censo-"+year+".db")
	}
	return engine.Config{
		Driver:     c.EngineDriver,
		Dataset:    ds,
		PoolSize:   c.PoolSize,
		DuckDBPath: c.yearPath(c.DuckDBPath, year),
		Threads:    c.DuckDBThreads,
		PostGISDSN: c.PostGISDSN,
		SRID:       c.PostGISSRID,
		SQLitePath: sqlitePath,
		Refresh:    c.SQLiteRefresh,
	}, nil
}

// yearPath keeps database files of other years apart from the configured
// year's file.
func (c Config) yearPath(path, year string) string {
	if path == "" || year == c.Year {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + year + ext
}
