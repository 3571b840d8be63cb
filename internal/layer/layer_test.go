package layer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"censocore/internal/catalog"
	"censocore/internal/census"
	"censocore/internal/engine/enginetest"
	"censocore/internal/geo"
	"censocore/internal/metrics"
	"censocore/internal/pivot"
)

var units = []enginetest.Unit{
	{ID: "020070101", Prov: "02", Depto: "007", Fracc: "01", Radio: "01"},
	{ID: "020070102", Prov: "02", Depto: "007", Fracc: "01", Radio: "02", X: 1},
	{ID: "020140101", Prov: "02", Depto: "014", Fracc: "01", Radio: "01", X: 2},
	{ID: "060010101", Prov: "06", Depto: "001", Fracc: "01", Radio: "01", X: 3},
}

func tables(extraRadios ...[]any) map[string]enginetest.Table {
	p := enginetest.Ptr
	radios := enginetest.Radios(units...)
	radios.Rows = append(radios.Rows, extraRadios...)
	return map[string]enginetest.Table{
		census.RelationGeometry: radios,
		census.RelationFacts: enginetest.Facts(units,
			enginetest.Fact{Unit: "020070101", Variable: "X", Value: p("1"), Count: 3},
			enginetest.Fact{Unit: "020070101", Variable: "X", Value: p("2"), Count: 4},
			enginetest.Fact{Unit: "020070101", Variable: "X", Value: nil, Count: 10},
			enginetest.Fact{Unit: "020070102", Variable: "X", Value: p("1"), Count: 5},
			enginetest.Fact{Unit: "060010101", Variable: "X", Value: p("2"), Count: 2},
			enginetest.Fact{Unit: "020070101", Variable: "T", Value: p("9"), Count: 7},
		),
		census.RelationDictionary: enginetest.Metadata(
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA"},
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: p("1"), Label: p("Uno")},
			enginetest.Entry{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: p("2"), Label: p("Dos")},
			enginetest.Entry{Variable: "T", VariableLabel: "Te", Entity: "HOGAR"},
		),
	}
}

func newLoader(t *testing.T, opts ...Option) *Loader {
	t.Helper()
	pool := enginetest.Open(t, tables())
	return NewLoader(pool, catalog.New(pool, pool.Schema()), opts...)
}

func value(t *testing.T, row census.Row, name string) *float64 {
	t.Helper()
	v, ok := row.Values[name]
	if !ok {
		t.Fatalf("row %s has no column %s", row.GeoID, name)
	}
	return v
}

func expect(t *testing.T, row census.Row, name string, want float64) {
	t.Helper()
	v := value(t, row, name)
	if v == nil || *v != want {
		t.Fatalf("%s.%s = %v, want %v", row.GeoID, name, deref(v), want)
	}
}

func expectNull(t *testing.T, row census.Row, name string) {
	t.Helper()
	if v := value(t, row, name); v != nil {
		t.Fatalf("%s.%s = %v, want NULL", row.GeoID, name, *v)
	}
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func geoIDs(rows []census.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.GeoID
	}
	return out
}

func TestLoadLeafLevel(t *testing.T) {
	l := newLoader(t)
	res, err := l.Load(context.Background(), Request{Variables: []string{"X", "T", "X"}}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	names := make([]string, len(res.Fields))
	for i, f := range res.Fields {
		names[i] = f.Name
	}
	if want := []string{"x_uno", "x_dos", "x_null", "x_total", "t_total"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("fields %v want %v", names, want)
	}
	if got := geoIDs(res.Rows); !reflect.DeepEqual(got, []string{"020070101", "020070102", "020140101", "060010101"}) {
		t.Fatalf("rows %v", got)
	}
	a, b, c, d := res.Rows[0], res.Rows[1], res.Rows[2], res.Rows[3]
	expect(t, a, "x_uno", 3)
	expect(t, a, "x_dos", 4)
	expect(t, a, "x_null", 10)
	expect(t, a, "x_total", 17)
	expect(t, a, "t_total", 7)
	expect(t, b, "x_uno", 5)
	expect(t, b, "x_dos", 0)
	expect(t, b, "x_null", 0)
	expect(t, b, "x_total", 5)
	expectNull(t, b, "t_total")
	for _, name := range names {
		expectNull(t, c, name)
	}
	expect(t, d, "x_total", 2)

	if _, err := geo.ParseWKT(a.WKT); err != nil || !strings.HasPrefix(a.WKT, "POLYGON") {
		t.Fatalf("leaf geometry %q %v", a.WKT, err)
	}
	rep := res.Report
	if rep.ID == "" || rep.Rows != 4 || rep.ColumnCount != 5 || rep.Tier != pivot.TierNone {
		t.Fatalf("report %+v", rep)
	}
	if !reflect.DeepEqual(rep.Loaded, []string{"X", "T"}) || len(rep.Skipped) != 0 {
		t.Fatalf("loaded %v skipped %v", rep.Loaded, rep.Skipped)
	}
}

func TestLoadAggregationDoesNotInflate(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()
	for _, level := range []census.GeoLevel{census.LevelRadio, census.LevelFraccion, census.LevelDepartamento, census.LevelProvincia} {
		res, err := l.Load(ctx, Request{Variables: []string{"X", "T"}, Level: level}, nil)
		if err != nil {
			t.Fatalf("%s: %v", level, err)
		}
		var total, nulls, tt float64
		for _, row := range res.Rows {
			if v := row.Values["x_total"]; v != nil {
				total += *v
			}
			if v := row.Values["x_null"]; v != nil {
				nulls += *v
			}
			if v := row.Values["t_total"]; v != nil {
				tt += *v
			}
			if _, err := geo.ParseWKT(row.WKT); err != nil {
				t.Fatalf("%s %s: invalid geometry %q", level, row.GeoID, row.WKT)
			}
		}
		if total != 24 || nulls != 10 || tt != 7 {
			t.Fatalf("%s: totals x=%v null=%v t=%v", level, total, nulls, tt)
		}
	}
}

func TestLoadDissolvedLevels(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()

	res, err := l.Load(ctx, Request{Variables: []string{"X"}, Level: "prov"}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := geoIDs(res.Rows); !reflect.DeepEqual(got, []string{"02", "06"}) {
		t.Fatalf("province rows %v", got)
	}
	p02 := res.Rows[0]
	expect(t, p02, "x_uno", 8)
	expect(t, p02, "x_dos", 4)
	expect(t, p02, "x_null", 10)
	expect(t, p02, "x_total", 22)
	if !strings.HasPrefix(p02.WKT, "GEOMETRYCOLLECTION") {
		t.Fatalf("dissolved geometry %q", p02.WKT)
	}

	res, err = l.Load(ctx, Request{Variables: []string{"X"}, Level: census.LevelDepartamento}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := geoIDs(res.Rows); !reflect.DeepEqual(got, []string{"02-007", "02-014", "06-001"}) {
		t.Fatalf("department rows %v", got)
	}
	expect(t, res.Rows[0], "x_total", 22)
	expectNull(t, res.Rows[1], "x_total")
	expect(t, res.Rows[2], "x_dos", 2)
}

func TestLoadFilters(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()

	res, err := l.Load(ctx, Request{Variables: []string{"X"}, Level: census.LevelDepartamento, Filters: []string{"02-007", "02-x", "06"}}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := geoIDs(res.Rows); !reflect.DeepEqual(got, []string{"02-007"}) {
		t.Fatalf("filtered rows %v", got)
	}
	if len(res.Report.Warnings) != 1 || !strings.Contains(res.Report.Warnings[0], `"06"`) {
		t.Fatalf("warnings %v", res.Report.Warnings)
	}

	res, err = l.Load(ctx, Request{Variables: []string{"X"}, Level: census.LevelProvincia, Filters: []string{"99"}}, nil)
	if err != nil {
		t.Fatalf("empty load: %v", err)
	}
	if len(res.Rows) != 0 || res.Report.Rows != 0 {
		t.Fatalf("expected no rows, got %v", geoIDs(res.Rows))
	}

	bbox := &census.BBox{XMin: 0.5, YMin: 0.2, XMax: 1.5, YMax: 0.8}
	res, err = l.Load(ctx, Request{Variables: []string{"X"}, BBox: bbox}, nil)
	if err != nil {
		t.Fatalf("bbox load: %v", err)
	}
	if got := geoIDs(res.Rows); !reflect.DeepEqual(got, []string{"020070101", "020070102"}) {
		t.Fatalf("bbox rows %v", got)
	}
}

func TestLoadSelectedCategories(t *testing.T) {
	l := newLoader(t)
	res, err := l.Load(context.Background(), Request{
		Variables: []string{"X"},
		Selected:  map[string][]string{"X": {"1"}},
	}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Fields) != 3 {
		t.Fatalf("fields %+v", res.Fields)
	}
	expect(t, res.Rows[0], "x_uno", 3)
	expect(t, res.Rows[0], "x_total", 13)
}

func TestLoadPartialFailure(t *testing.T) {
	pool := enginetest.Open(t, tables())
	cat := catalog.New(pool, pool.Schema())
	flaky := errors.New("connection reset")
	r := resolverFunc(func(ctx context.Context, code string) (census.CategorySet, error) {
		if code == "T" {
			return census.CategorySet{}, census.CategoryFetchError{Variable: code, Attempts: 3, Err: flaky}
		}
		return cat.Resolve(ctx, code)
	})
	rec := metrics.NewExpvar("")
	l := NewLoader(pool, r, WithMetrics(rec), WithParallelism(1))

	res, err := l.Load(context.Background(), Request{Variables: []string{"NOPE", "X", "T"}}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(res.Report.Loaded, []string{"X"}) {
		t.Fatalf("loaded %v", res.Report.Loaded)
	}
	skipped := res.Report.Skipped
	if len(skipped) != 2 {
		t.Fatalf("skipped %+v", skipped)
	}
	if skipped[0].Variable != "NOPE" || skipped[0].Reason != ReasonUnknownVariable || skipped[0].Attempts != 1 {
		t.Fatalf("unknown skip %+v", skipped[0])
	}
	if skipped[1].Variable != "T" || skipped[1].Reason != ReasonFetchFailed || skipped[1].Attempts != 3 {
		t.Fatalf("fetch skip %+v", skipped[1])
	}
	for _, f := range res.Fields {
		if f.Variable != "X" {
			t.Fatalf("field from skipped variable: %+v", f)
		}
	}
	snap := rec.Snapshot()
	if snap.Counters["skipped."+ReasonUnknownVariable] != 1 || snap.Counters["skipped."+ReasonFetchFailed] != 1 {
		t.Fatalf("skip counters %v", snap.Counters)
	}
	if snap.Results[metrics.OpLoad]["success"] != 1 {
		t.Fatalf("load results %v", snap.Results)
	}

	_, err = l.Load(context.Background(), Request{Variables: []string{"NOPE", "T"}}, nil)
	if !errors.Is(err, census.ErrAllVariablesFailed) {
		t.Fatalf("expected ErrAllVariablesFailed, got %v", err)
	}
	if rec.Snapshot().Results[metrics.OpLoad]["error"] != 1 {
		t.Fatalf("expected failed load to be recorded")
	}
}

type resolverFunc func(ctx context.Context, code string) (census.CategorySet, error)

func (f resolverFunc) Resolve(ctx context.Context, code string) (census.CategorySet, error) {
	return f(ctx, code)
}

// wide resolves every variable to n numbered categories without nulls.
func wide(n int) Resolver {
	return resolverFunc(func(_ context.Context, code string) (census.CategorySet, error) {
		set := census.CategorySet{Variable: code}
		for i := 1; i <= n; i++ {
			v := fmt.Sprint(i)
			set.Categories = append(set.Categories, census.Category{Value: v, Label: "c" + v})
		}
		return set, nil
	})
}

func TestLoadColumnThresholds(t *testing.T) {
	pool := enginetest.Open(t, tables())
	ctx := context.Background()
	cases := []struct {
		categories int
		tier       pivot.Tier
		warnings   int
	}{
		{9, pivot.TierNone, 0},
		{50, pivot.TierWarn, 1},
	}
	for _, tc := range cases {
		res, err := NewLoader(pool, wide(tc.categories)).Load(ctx, Request{Variables: []string{"X"}}, nil)
		if err != nil {
			t.Fatalf("%d categories: %v", tc.categories, err)
		}
		if res.Report.ColumnCount != tc.categories+1 || res.Report.Tier != tc.tier || len(res.Report.Warnings) != tc.warnings {
			t.Fatalf("%d categories: report %+v", tc.categories, res.Report)
		}
	}

	l := NewLoader(pool, wide(100))
	_, err := l.Load(ctx, Request{Variables: []string{"X"}}, nil)
	var cce census.ColumnCountError
	if !errors.As(err, &cce) || cce.Count != 101 || cce.Threshold != pivot.DefaultConfirm {
		t.Fatalf("expected ColumnCountError, got %v", err)
	}
	res, err := l.Load(ctx, Request{Variables: []string{"X"}, ConfirmWide: true}, nil)
	if err != nil {
		t.Fatalf("confirmed load: %v", err)
	}
	if res.Report.Tier != pivot.TierConfirm || len(res.Rows) != 4 {
		t.Fatalf("confirmed report %+v", res.Report)
	}
	expect(t, res.Rows[0], "x_c1", 3)

	strict := NewLoader(pool, wide(9), WithPolicy(pivot.Policy{Warn: 5, Confirm: 8}))
	if _, err := strict.Load(ctx, Request{Variables: []string{"X"}}, nil); !errors.As(err, &cce) {
		t.Fatalf("custom policy not applied: %v", err)
	}
}

func TestLoadDeterministic(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()
	req := Request{Variables: []string{"X", "T"}, Level: census.LevelDepartamento}
	first, err := l.Load(ctx, req, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := l.Load(ctx, req, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Query.SQL != second.Query.SQL || !reflect.DeepEqual(first.Query.Args, second.Query.Args) {
		t.Fatalf("query changed between runs")
	}
	if !reflect.DeepEqual(first.Rows, second.Rows) || !reflect.DeepEqual(first.Fields, second.Fields) {
		t.Fatalf("rows changed between runs")
	}
	if first.Report.ID == second.Report.ID {
		t.Fatalf("report ids should differ")
	}
}

func TestLoadSkipsInvalidGeometry(t *testing.T) {
	pool := enginetest.Open(t, tables([]any{"069999901", "06", "999", "99", "01", "POLYGON ((broken"}))
	l := NewLoader(pool, catalog.New(pool, pool.Schema()))
	res, err := l.Load(context.Background(), Request{Variables: []string{"X"}}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Report.Rows != 4 || !reflect.DeepEqual(res.Report.InvalidGeometries, []string{"069999901"}) {
		t.Fatalf("report %+v", res.Report)
	}
	for _, row := range res.Rows {
		if row.GeoID == "069999901" {
			t.Fatalf("invalid row kept")
		}
	}
}

func TestLoadProgressAndCancel(t *testing.T) {
	l := newLoader(t)
	var percents []int
	_, err := l.Load(context.Background(), Request{Variables: []string{"X"}}, func(p int, _ string) {
		percents = append(percents, p)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(percents) < 3 || percents[len(percents)-1] != 100 {
		t.Fatalf("progress %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, Request{Variables: []string{"X"}}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestLoadRejectsBadRequests(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()
	if _, err := l.Load(ctx, Request{Variables: []string{" ", ""}}, nil); err == nil {
		t.Fatalf("expected error for empty variable list")
	}
	if _, err := l.Load(ctx, Request{Variables: []string{"X"}, Level: "BARRIO"}, nil); err == nil {
		t.Fatalf("expected unknown level error")
	}
}

func TestRunSQL(t *testing.T) {
	l := newLoader(t)
	tbl, err := l.RunSQL(context.Background(), "SELECT COD_2022, geometry FROM radios ORDER BY COD_2022;")
	if err != nil {
		t.Fatalf("sql: %v", err)
	}
	if !reflect.DeepEqual(tbl.Columns, []string{"COD_2022", "geometry"}) || tbl.WKTColumn != 1 || len(tbl.Rows) != 4 {
		t.Fatalf("table %+v", tbl)
	}
	if tbl.Rows[0][0] != "020070101" {
		t.Fatalf("first row %v", tbl.Rows[0])
	}
	if _, err := l.RunSQL(context.Background(), "  ;"); err == nil {
		t.Fatalf("expected empty query error")
	}
	var ee census.EngineError
	if _, err := l.RunSQL(context.Background(), "SELECT nope FROM nowhere"); !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %v", err)
	}
}
