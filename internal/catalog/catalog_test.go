package catalog

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"censocore/internal/cache"
	"censocore/internal/census"
	"censocore/internal/engine"
	"censocore/internal/engine/enginetest"
	"censocore/internal/metrics"
)

var units = []enginetest.Unit{
	{ID: "020070101", Prov: "02", Depto: "007", Fracc: "01", Radio: "01"},
	{ID: "020070102", Prov: "02", Depto: "007", Fracc: "01", Radio: "02", X: 1},
	{ID: "020140101", Prov: "02", Depto: "014", Fracc: "01", Radio: "01", X: 2},
	{ID: "060010101", Prov: "06", Depto: "001", Fracc: "01", Radio: "01", X: 3},
}

func fixture(t *testing.T) *engine.Pool {
	t.Helper()
	p := enginetest.Ptr
	return enginetest.Open(t, map[string]enginetest.Table{
		census.RelationGeometry: enginetest.Radios(units...),
		census.RelationFacts: enginetest.Facts(units,
			enginetest.Fact{Unit: "020070101", Variable: "X", Value: p("1"), Count: 3},
			enginetest.Fact{Unit: "020070101", Variable: "X", Value: nil, Count: 10},
			enginetest.Fact{Unit: "020070102", Variable: "X", Value: p("10"), Count: 1},
			enginetest.Fact{Unit: "020140101", Variable: "T", Value: p("9"), Count: 7},
			enginetest.Fact{Unit: "060010101", Variable: "Z", Value: p("a"), Count: 2},
		),
		census.RelationDictionary: enginetest.Metadata(
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA"},
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: p("10"), Label: p("Diez")},
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: p("2"), Label: p("Dos")},
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: p("1"), Label: p("Uno")},
			enginetest.Entry{Variable: "T", VariableLabel: "Te", Entity: "HOGAR"},
			enginetest.Entry{Variable: "Z", VariableLabel: "Zeta", Entity: "VIVIENDA", Value: p("b"), Label: p("Beta")},
			enginetest.Entry{Variable: "Z", VariableLabel: "Zeta", Entity: "VIVIENDA", Value: p("a"), Label: p("Alfa")},
			enginetest.Entry{Variable: "W", VariableLabel: "Doble", Entity: "OTRO", Value: p("1"), Label: p("Uno")},
		),
	})
}

// countingExec fails the first failFirst calls with err.
type countingExec struct {
	engine.Executor
	mu        sync.Mutex
	calls     int
	failFirst int
	err       error
}

func (c *countingExec) Execute(ctx context.Context, q string, args []any, scan engine.ScanFunc) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n <= c.failFirst {
		return c.err
	}
	return c.Executor.Execute(ctx, q, args, scan)
}

func newCatalog(exec engine.Executor, opts ...Option) (*Catalog, *[]time.Duration) {
	c := New(exec, census.DefaultSchema(enginetest.GeoIDColumn), opts...)
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func TestResolveCategories(t *testing.T) {
	c, _ := newCatalog(fixture(t))
	ctx := context.Background()

	x, err := c.Resolve(ctx, "X")
	if err != nil {
		t.Fatalf("resolve X: %v", err)
	}
	want := []census.Category{{Value: "1", Label: "Uno"}, {Value: "2", Label: "Dos"}, {Value: "10", Label: "Diez"}}
	if !reflect.DeepEqual(x.Categories, want) || !x.HasNulls {
		t.Fatalf("unexpected X set %+v", x)
	}
	if x.Label != "Equis" || x.DisplayName() != "Equis" {
		t.Fatalf("variable label %q", x.Label)
	}

	z, err := c.Resolve(ctx, "Z")
	if err != nil {
		t.Fatalf("resolve Z: %v", err)
	}
	if z.Categories[0].Label != "Alfa" || z.Categories[1].Label != "Beta" || z.HasNulls {
		t.Fatalf("expected label order, got %+v", z)
	}

	tot, err := c.Resolve(ctx, "T")
	if err != nil {
		t.Fatalf("resolve T: %v", err)
	}
	if !tot.TotalOnly() || tot.ColumnCount() != 1 {
		t.Fatalf("expected total-only set, got %+v", tot)
	}
}

func TestResolveUnknownIsNotRetried(t *testing.T) {
	exec := &countingExec{Executor: fixture(t)}
	c, sleeps := newCatalog(exec)
	_, err := c.Resolve(context.Background(), "NOPE")
	if !errors.Is(err, census.ErrUnknownVariable) {
		t.Fatalf("expected unknown variable, got %v", err)
	}
	if exec.calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("unknown code must not retry: calls=%d sleeps=%v", exec.calls, *sleeps)
	}
}

func TestResolveRetriesWithBackoff(t *testing.T) {
	exec := &countingExec{Executor: fixture(t), failFirst: 2, err: errors.New("connection reset")}
	rec := metrics.NewExpvar("")
	c, sleeps := newCatalog(exec, WithRetry(3, 10*time.Millisecond), WithMetrics(rec))
	set, err := c.Resolve(context.Background(), "X")
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if len(set.Categories) != 3 {
		t.Fatalf("unexpected set %+v", set)
	}
	if !reflect.DeepEqual(*sleeps, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}) {
		t.Fatalf("unexpected backoff %v", *sleeps)
	}
	if rec.Snapshot().Counters["retry."+metrics.OpResolve] != 2 {
		t.Fatalf("expected two retries recorded, got %+v", rec.Snapshot().Counters)
	}
}

func TestResolveExhaustsRetries(t *testing.T) {
	cause := errors.New("timeout")
	exec := &countingExec{Executor: fixture(t), failFirst: 100, err: cause}
	c, sleeps := newCatalog(exec)
	_, err := c.Resolve(context.Background(), "X")
	var fe census.CategoryFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected CategoryFetchError, got %v", err)
	}
	if fe.Attempts != DefaultAttempts || fe.Variable != "X" || !errors.Is(err, cause) {
		t.Fatalf("unexpected fetch error %+v", fe)
	}
	if len(*sleeps) != DefaultAttempts-1 {
		t.Fatalf("expected %d waits, got %v", DefaultAttempts-1, *sleeps)
	}
}

func TestResolveStopsOnCancel(t *testing.T) {
	exec := &countingExec{Executor: fixture(t), failFirst: 100, err: errors.New("boom")}
	c := New(exec, census.DefaultSchema(enginetest.GeoIDColumn), WithRetry(3, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Resolve(ctx, "X"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestResolveUsesCache(t *testing.T) {
	exec := &countingExec{Executor: fixture(t)}
	mem := cache.NewMemory()
	rec := metrics.NewExpvar("")
	c, _ := newCatalog(exec, WithCache(mem, "2022-test"), WithMetrics(rec))
	ctx := context.Background()
	first, err := c.Resolve(ctx, "X")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	calls := exec.calls
	second, err := c.Resolve(ctx, "X")
	if err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if exec.calls != calls || !reflect.DeepEqual(first, second) {
		t.Fatalf("expected cache hit without queries")
	}
	if _, ok, _ := cache.Categories(ctx, mem, "2022-test", "X"); !ok {
		t.Fatalf("expected entry under the dataset version")
	}
	counters := rec.Snapshot().Counters
	if counters["cache.hit"] != 1 || counters["cache.miss"] != 1 {
		t.Fatalf("unexpected cache counters %+v", counters)
	}
}

func TestEntityTypesAndVariables(t *testing.T) {
	c, _ := newCatalog(fixture(t))
	ctx := context.Background()
	entities, err := c.EntityTypes(ctx)
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if !reflect.DeepEqual(entities, []string{"HOGAR", "PERSONA", "VIVIENDA"}) {
		t.Fatalf("unexpected entities %v", entities)
	}
	persona, err := c.Variables(ctx, "PERSONA")
	if err != nil {
		t.Fatalf("variables: %v", err)
	}
	if len(persona) != 1 || persona[0] != (census.Variable{Code: "X", Label: "Equis", Entity: "PERSONA"}) {
		t.Fatalf("unexpected persona variables %+v", persona)
	}
	all, err := c.Variables(ctx, "")
	if err != nil {
		t.Fatalf("variables: %v", err)
	}
	var codes []string
	for _, v := range all {
		codes = append(codes, v.Code)
	}
	if !reflect.DeepEqual(codes, []string{"T", "W", "X", "Z"}) {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestGeoCodes(t *testing.T) {
	c, _ := newCatalog(fixture(t))
	ctx := context.Background()
	prov, err := c.GeoCodes(ctx, census.LevelProvincia, 0)
	if err != nil {
		t.Fatalf("prov: %v", err)
	}
	if !reflect.DeepEqual(prov, []GeoCode{{"02", "Provincia 02"}, {"06", "Provincia 06"}}) {
		t.Fatalf("unexpected provinces %+v", prov)
	}
	depto, err := c.GeoCodes(ctx, census.LevelDepartamento, 0)
	if err != nil {
		t.Fatalf("depto: %v", err)
	}
	if len(depto) != 3 || depto[1] != (GeoCode{"02-014", "Provincia 02 - Depto 014"}) {
		t.Fatalf("unexpected departments %+v", depto)
	}
	fracc, err := c.GeoCodes(ctx, census.LevelFraccion, 0)
	if err != nil {
		t.Fatalf("fracc: %v", err)
	}
	if fracc[0] != (GeoCode{"02-007-01", "Provincia 02 - Depto 007 - Fracc 01"}) {
		t.Fatalf("unexpected fractions %+v", fracc)
	}
	radios, err := c.GeoCodes(ctx, census.LevelRadio, 2)
	if err != nil {
		t.Fatalf("radio: %v", err)
	}
	if len(radios) != 2 || radios[0].Code != "020070101" || radios[0].Label != "Provincia 02 - Depto 007 - Radio 01" {
		t.Fatalf("unexpected radios %+v", radios)
	}
	if _, err := c.GeoCodes(ctx, "BARRIO", 0); err == nil {
		t.Fatalf("expected unknown level error")
	}
}

func TestPreloadSeedsCache(t *testing.T) {
	pool := fixture(t)
	mem := cache.NewMemory()
	c, _ := newCatalog(pool, WithCache(mem, "v"))
	ctx := context.Background()
	sets, err := c.Preload(ctx)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	if len(sets) != 4 || !sets["X"].HasNulls || !sets["T"].TotalOnly() || sets["Z"].HasNulls {
		t.Fatalf("unexpected preload %+v", sets)
	}
	if sets["X"].Categories[2].Value != "10" {
		t.Fatalf("expected numeric order, got %+v", sets["X"].Categories)
	}
	if mem.Len() != 4 {
		t.Fatalf("expected four cache entries, got %d", mem.Len())
	}

	exec := &countingExec{Executor: pool}
	cached, _ := newCatalog(exec, WithCache(mem, "v"))
	got, err := cached.Resolve(ctx, "X")
	if err != nil || exec.calls != 0 || !reflect.DeepEqual(got, sets["X"]) {
		t.Fatalf("expected preloaded answer, got %+v calls=%d err=%v", got, exec.calls, err)
	}
}

func TestPreloadAgreesWithResolveOnDuplicateValues(t *testing.T) {
	p := enginetest.Ptr
	pool := enginetest.Open(t, map[string]enginetest.Table{
		census.RelationGeometry: enginetest.Radios(units...),
		census.RelationFacts: enginetest.Facts(units,
			enginetest.Fact{Unit: "020070101", Variable: "D", Value: p("1"), Count: 1},
		),
		census.RelationDictionary: enginetest.Metadata(
			enginetest.Entry{Variable: "D", VariableLabel: "Dúo", Entity: "PERSONA", Value: p("1"), Label: p("Zeta")},
			enginetest.Entry{Variable: "D", VariableLabel: "Dúo", Entity: "PERSONA", Value: p("2"), Label: p("Beta")},
			enginetest.Entry{Variable: "D", VariableLabel: "Dúo", Entity: "PERSONA", Value: p("1"), Label: p("Alfa")},
		),
	})
	ctx := context.Background()

	live, _ := newCatalog(pool)
	got, err := live.Resolve(ctx, "D")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	pre, _ := newCatalog(pool)
	sets, err := pre.Preload(ctx)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	if !reflect.DeepEqual(got, sets["D"]) {
		t.Fatalf("resolve %+v preload %+v", got, sets["D"])
	}
	if got.Label != "Dúo" || len(got.Categories) != 2 || got.Categories[0].Label != "Alfa" {
		t.Fatalf("unexpected set %+v", got)
	}
}
