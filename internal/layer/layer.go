// Package layer runs the census pivot pipeline end to end: it resolves
// categories, applies column governance, builds and executes the pivot
// query and materializes validated rows.
package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"censocore/internal/census"
	"censocore/internal/engine"
	"censocore/internal/geo"
	"censocore/internal/metrics"
	"censocore/internal/pivot"
)

// Resolver returns the category set of a variable.
type Resolver interface {
	Resolve(ctx context.Context, code string) (census.CategorySet, error)
}

// Engine executes queries and describes the dataset it serves.
type Engine interface {
	engine.Executor
	Dialect() engine.Dialect
	Schema() census.Schema
}

// ProgressFunc receives coarse progress updates in percent.
type ProgressFunc func(percent int, message string)

// Request describes one layer load.
type Request struct {
	Variables []string            `json:"variables"`
	Level     census.GeoLevel     `json:"level"`
	Filters   []string            `json:"filters,omitempty"`
	BBox      *census.BBox        `json:"bbox,omitempty"`
	Selected  map[string][]string `json:"selected,omitempty"` // category values kept per variable
	// ConfirmWide accepts projections above the confirmation threshold.
	ConfirmWide bool `json:"confirm_wide,omitempty"`
}

// ErrNoVariables is returned for requests without variable codes.
var ErrNoVariables = errors.New("layer: no variables requested")

// Skip reasons.
const (
	ReasonUnknownVariable = "unknown_variable"
	ReasonFetchFailed     = "fetch_failed"
)

// Skipped reports a variable left out of the result.
type Skipped struct {
	Variable string `json:"variable"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error"`
}

// Report summarizes a load for the caller.
type Report struct {
	ID                string        `json:"id"`
	Loaded            []string      `json:"loaded"`
	Skipped           []Skipped     `json:"skipped,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
	ColumnCount       int           `json:"column_count"`
	Tier              pivot.Tier    `json:"tier"`
	Rows              int           `json:"rows"`
	InvalidGeometries []string      `json:"invalid_geometries,omitempty"`
	Duration          time.Duration `json:"duration_ns"`
}

// Result is a loaded layer.
type Result struct {
	Fields []census.Field `json:"fields"`
	Rows   []census.Row   `json:"rows"`
	Report Report         `json:"report"`
	Query  pivot.Query    `json:"-"`
}

// Loader runs layer loads against one engine.
type Loader struct {
	engine      Engine
	resolver    Resolver
	policy      pivot.Policy
	parallelism int
	metrics     metrics.Recorder
	logger      *slog.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithPolicy overrides the column-count thresholds.
func WithPolicy(p pivot.Policy) Option { return func(l *Loader) { l.policy = p } }

// WithParallelism bounds concurrent category resolutions (default 4).
func WithParallelism(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.parallelism = n
		}
	}
}

// WithMetrics records load timings and skipped variables.
func WithMetrics(r metrics.Recorder) Option {
	return func(l *Loader) { l.metrics = metrics.OrNop(r) }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLoader returns a Loader over e resolving categories with r.
func NewLoader(e Engine, r Resolver, opts ...Option) *Loader {
	l := &Loader{
		engine:      e,
		resolver:    r,
		policy:      pivot.DefaultPolicy(),
		parallelism: 4,
		metrics:     metrics.Nop{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves req's variables and returns one row per geography unit at
// req.Level. Variables that cannot be resolved are skipped and reported; if
// none can, the error matches census.ErrAllVariablesFailed. Projections
// above the confirmation threshold fail with census.ColumnCountError unless
// req.ConfirmWide is set. progress may be nil.
func (l *Loader) Load(ctx context.Context, req Request, progress ProgressFunc) (res *Result, err error) {
	start := time.Now()
	defer func() {
		l.metrics.Observe(ctx, metrics.OpLoad, err == nil, time.Since(start))
	}()
	if progress == nil {
		progress = func(int, string) {}
	}
	if req.Level == "" {
		req.Level = census.LevelRadio
	}
	level, err := census.ParseGeoLevel(string(req.Level))
	if err != nil {
		return nil, err
	}
	req.Level = level
	codes := dedupe(req.Variables)
	if len(codes) == 0 {
		return nil, ErrNoVariables
	}
	report := Report{ID: uuid.NewString()}
	log := l.logger.With("load", report.ID)

	progress(5, fmt.Sprintf("resolving categories for %d variables", len(codes)))
	sets, skipped, err := l.resolve(ctx, codes)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		l.metrics.Skipped(s.Reason)
		log.WarnContext(ctx, "variable skipped", "variable", s.Variable, "reason", s.Reason, "attempts", s.Attempts, "error", s.Error)
		report.Warnings = append(report.Warnings, fmt.Sprintf("variable %s skipped: %s", s.Variable, s.Error))
	}
	report.Skipped = skipped
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: %s", census.ErrAllVariablesFailed, strings.Join(codes, ", "))
	}
	for i, set := range sets {
		sets[i] = set.Select(req.Selected[set.Variable])
		report.Loaded = append(report.Loaded, set.Variable)
	}

	plan := pivot.NewPlan(sets)
	report.ColumnCount = plan.ColumnCount()
	report.Tier = l.policy.Classify(report.ColumnCount)
	warning, err := l.policy.Check(report.ColumnCount, req.ConfirmWide)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		report.Warnings = append(report.Warnings, warning)
	}
	log.InfoContext(ctx, "building layer query", "variables", len(sets), "columns", report.ColumnCount, "level", req.Level)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(10, fmt.Sprintf("building query for level %s (%d columns)", req.Level, report.ColumnCount))
	q, err := pivot.Build(l.engine.Dialect(), l.engine.Schema(), plan, pivot.Spec{
		Level:   req.Level,
		Filters: req.Filters,
		BBox:    req.BBox,
	})
	if err != nil {
		return nil, err
	}
	for _, code := range q.Ignored {
		report.Warnings = append(report.Warnings, fmt.Sprintf("ignored malformed %s filter %q", req.Level, code))
	}
	log.DebugContext(ctx, "layer query", "sql", q.Display())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(30, "executing query")
	raw, err := l.execute(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress(60, fmt.Sprintf("query returned %d rows", len(raw)))
	res = &Result{Fields: q.Fields, Rows: make([]census.Row, 0, len(raw)), Query: q}
	for i, row := range raw {
		if _, gerr := geo.ParseWKT(row.WKT); gerr != nil {
			ige := census.InvalidGeometryError{GeoID: row.GeoID, Err: gerr}
			log.WarnContext(ctx, "skipping row", "error", ige)
			report.InvalidGeometries = append(report.InvalidGeometries, row.GeoID)
			continue
		}
		res.Rows = append(res.Rows, row)
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			progress(60+int(float64(i)/float64(len(raw))*35), fmt.Sprintf("processing features %d/%d", i+1, len(raw)))
		}
	}
	if n := len(report.InvalidGeometries); n > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d rows skipped for invalid geometry", n))
	}
	report.Rows = len(res.Rows)
	report.Duration = time.Since(start)
	res.Report = report
	progress(100, fmt.Sprintf("loaded %d features", report.Rows))
	log.InfoContext(ctx, "layer loaded", "rows", report.Rows, "columns", report.ColumnCount, "skipped", len(report.Skipped))
	return res, nil
}

// resolve runs the resolver for every code with bounded parallelism.
// Per-variable failures are returned as skips; only cancellation fails.
func (l *Loader) resolve(ctx context.Context, codes []string) ([]census.CategorySet, []Skipped, error) {
	type outcome struct {
		set  census.CategorySet
		skip *Skipped
	}
	results := make([]outcome, len(codes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			set, err := l.resolver.Resolve(gctx, code)
			if err == nil {
				set.Variable = code
				results[i] = outcome{set: set}
				return nil
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			results[i] = outcome{skip: skipFor(code, err)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	var (
		sets    []census.CategorySet
		skipped []Skipped
	)
	for _, r := range results {
		if r.skip != nil {
			skipped = append(skipped, *r.skip)
			continue
		}
		sets = append(sets, r.set)
	}
	return sets, skipped, nil
}

func skipFor(code string, err error) *Skipped {
	s := &Skipped{Variable: code, Reason: ReasonFetchFailed, Attempts: 1, Error: err.Error()}
	var fe census.CategoryFetchError
	switch {
	case errors.Is(err, census.ErrUnknownVariable):
		s.Reason = ReasonUnknownVariable
	case errors.As(err, &fe):
		s.Attempts = fe.Attempts
	}
	return s
}

func (l *Loader) execute(ctx context.Context, q pivot.Query) ([]census.Row, error) {
	var rows []census.Row
	err := l.engine.Execute(ctx, q.SQL, q.Args, func(columns []string, values []any) error {
		if len(values) != len(q.Fields)+2 {
			return fmt.Errorf("layer: expected %d columns, got %d", len(q.Fields)+2, len(values))
		}
		row := census.Row{
			GeoID:  engine.String(values[0]),
			WKT:    engine.String(values[1]),
			Values: make(map[string]*float64, len(q.Fields)),
		}
		for i, f := range q.Fields {
			v, err := engine.Float(values[i+2])
			if err != nil {
				return fmt.Errorf("column %s of %s: %w", f.Name, row.GeoID, err)
			}
			row.Values[f.Name] = v
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
