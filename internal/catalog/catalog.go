// Package catalog answers dictionary questions about a census dataset:
// which entities and variables exist, which categories a variable has and
// which geography codes can be used as filters.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"censocore/internal/cache"
	"censocore/internal/census"
	"censocore/internal/engine"
	"censocore/internal/metrics"
)

// Entities are the unit types the published dictionary is restricted to.
var Entities = []string{"HOGAR", "PERSONA", "VIVIENDA"}

// Defaults for category resolution retries.
const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

// Catalog resolves dictionary data through an engine executor. It is safe
// for concurrent use when the executor and cache are.
type Catalog struct {
	exec     engine.Executor
	schema   census.Schema
	cache    cache.Cache
	version  string
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// Option customizes a Catalog.
type Option func(*Catalog)

// WithCache consults c before querying and stores every resolved set under
// the dataset version.
func WithCache(c cache.Cache, version string) Option {
	return func(cat *Catalog) {
		cat.cache = c
		cat.version = version
	}
}

// WithRetry sets the attempt count and the base backoff. The wait before
// retry n (0-based) is base * 2^n.
func WithRetry(attempts int, base time.Duration) Option {
	return func(cat *Catalog) {
		if attempts > 0 {
			cat.attempts = attempts
		}
		if base >= 0 {
			cat.backoff = base
		}
	}
}

// WithMetrics records resolution timings, retries and cache lookups.
func WithMetrics(r metrics.Recorder) Option {
	return func(cat *Catalog) { cat.metrics = metrics.OrNop(r) }
}

// WithLogger sets the logger used for retry and cache warnings.
func WithLogger(l *slog.Logger) Option {
	return func(cat *Catalog) {
		if l != nil {
			cat.logger = l
		}
	}
}

// New returns a Catalog querying exec with the relation layout s.
func New(exec engine.Executor, s census.Schema, opts ...Option) *Catalog {
	c := &Catalog{
		exec:     exec,
		schema:   s,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		sleep:    sleepContext,
		metrics:  metrics.Nop{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolve returns the ordered categories of code and whether null-category
// rows exist. A variable without categories resolves to a total-only set.
//
// Unknown codes fail immediately with census.ErrUnknownVariable. Other
// failures are retried and end in a census.CategoryFetchError.
func (c *Catalog) Resolve(ctx context.Context, code string) (set census.CategorySet, err error) {
	start := time.Now()
	defer func() {
		c.metrics.Observe(ctx, metrics.OpResolve, err == nil, time.Since(start))
	}()

	if cached, ok, cerr := cache.Categories(ctx, c.cache, c.version, code); cerr != nil {
		c.logger.WarnContext(ctx, "category cache read failed", "variable", code, "error", cerr)
	} else if ok {
		c.metrics.CacheLookup(true)
		return cached, nil
	} else if c.cache != nil {
		c.metrics.CacheLookup(false)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			c.metrics.Retry(metrics.OpResolve)
			c.logger.WarnContext(ctx, "retrying category lookup",
				"variable", code, "attempt", attempt+1, "of", c.attempts, "wait", wait, "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return census.CategorySet{}, err
			}
		}
		set, lastErr = c.fetch(ctx, code)
		if lastErr == nil {
			if perr := cache.PutCategories(ctx, c.cache, c.version, set); perr != nil {
				c.logger.WarnContext(ctx, "category cache write failed", "variable", code, "error", perr)
			}
			return set, nil
		}
		if errors.Is(lastErr, census.ErrUnknownVariable) {
			return census.CategorySet{}, lastErr
		}
		if ctx.Err() != nil {
			return census.CategorySet{}, ctx.Err()
		}
	}
	return census.CategorySet{}, census.CategoryFetchError{Variable: code, Attempts: c.attempts, Err: lastErr}
}

func (c *Catalog) fetch(ctx context.Context, code string) (census.CategorySet, error) {
	s := c.schema
	var (
		entries *float64
		label   string
	)
	q := fmt.Sprintf(`SELECT COUNT(*), MIN(m.%s) FROM %s m WHERE m.%s = ?`, s.VariableLabel, s.Dictionary, s.Variable)
	err := c.exec.Execute(ctx, q, []any{code}, func(_ []string, v []any) error {
		var err error
		entries, err = engine.Float(v[0])
		label = engine.String(v[1])
		return err
	})
	if err != nil {
		return census.CategorySet{}, err
	}
	if entries == nil || *entries == 0 {
		return census.CategorySet{}, census.UnknownVariableError{Variable: code}
	}

	set := census.CategorySet{Variable: code, Label: label}
	q = fmt.Sprintf(`SELECT DISTINCT m.%[1]s, m.%[2]s FROM %[3]s m WHERE m.%[4]s = ? AND m.%[1]s IS NOT NULL ORDER BY m.%[1]s, m.%[2]s`,
		s.CategoryValue, s.CategoryLabel, s.Dictionary, s.Variable)
	seen := make(map[string]struct{})
	err = c.exec.Execute(ctx, q, []any{code}, func(_ []string, v []any) error {
		value := engine.String(v[0])
		if has(seen, value) {
			return nil
		}
		seen[value] = struct{}{}
		set.Categories = append(set.Categories, census.Category{Value: value, Label: engine.String(v[1])})
		return nil
	})
	if err != nil {
		return census.CategorySet{}, err
	}
	census.SortCategories(set.Categories)

	// unclassified counts live in the fact relation, not the dictionary
	q = fmt.Sprintf(`SELECT CASE WHEN EXISTS (SELECT 1 FROM %s c WHERE c.%s = ? AND c.%s IS NULL) THEN 1 ELSE 0 END`,
		s.Facts, s.Variable, s.CategoryValue)
	err = c.exec.Execute(ctx, q, []any{code}, func(_ []string, v []any) error {
		n, err := engine.Float(v[0])
		set.HasNulls = err == nil && n != nil && *n > 0
		return err
	})
	if err != nil {
		return census.CategorySet{}, err
	}
	return set, nil
}
