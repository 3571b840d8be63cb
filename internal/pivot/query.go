package pivot

import (
	"fmt"
	"strconv"
	"strings"

	"censocore/internal/census"
	"censocore/internal/engine/core"
)

// Spec selects the geography of a query.
type Spec struct {
	Level   census.GeoLevel
	Filters []string     // codes at Level: PROV, PROV-DEPTO, PROV-DEPTO-FRACC or leaf ids
	BBox    *census.BBox // EPSG:4326
}

// Query is a built statement with '?' placeholders.
type Query struct {
	SQL    string
	Args   []any
	Fields []census.Field
	// Ignored lists filter codes that did not match the level's format.
	Ignored []string
}

// Output column names besides the plan's attributes.
const (
	ColGeoID = "geo_id"
	ColWKT   = "wkt"
)

const (
	pivotCTE  = "census_pivoted"
	unitIDCol = "unit_id"
)

// Build renders plan as a pivot CTE over the fact relation followed by an
// aggregation over the geometry relation at spec.Level. Every value that
// does not come from the plan's sanitized names or the schema is bound.
func Build(d core.Dialect, s census.Schema, plan Plan, spec Spec) (Query, error) {
	if err := s.Validate(); err != nil {
		return Query{}, err
	}
	if len(plan.Variables) == 0 {
		return Query{}, fmt.Errorf("pivot: no variables")
	}
	if spec.Level == "" {
		spec.Level = census.LevelRadio
	}
	if _, err := census.ParseGeoLevel(string(spec.Level)); err != nil {
		return Query{}, err
	}
	if spec.BBox != nil {
		if err := spec.BBox.Validate(); err != nil {
			return Query{}, err
		}
	}
	for _, c := range plan.Columns() {
		if !census.ValidIdentifier(c.Name) {
			return Query{}, fmt.Errorf("pivot: invalid column name %q", c.Name)
		}
	}

	var (
		b    strings.Builder
		args []any
	)

	// stage 1: one row per leaf unit
	b.WriteString("WITH " + pivotCTE + " AS (\n")
	fmt.Fprintf(&b, "  SELECT c.%s AS %s", s.FactGeoID, unitIDCol)
	for _, v := range plan.Variables {
		for _, col := range v.Columns {
			var expr string
			switch {
			case col.Kind == KindCategory:
				expr = fmt.Sprintf("CASE WHEN c.%[1]s = ? AND c.%[2]s = ? THEN c.%[3]s WHEN c.%[1]s = ? THEN 0 END",
					s.Variable, s.CategoryValue, s.Count)
				args = append(args, v.Code, col.Value, v.Code)
			case col.Kind == KindNull:
				expr = fmt.Sprintf("CASE WHEN c.%[1]s = ? AND c.%[2]s IS NULL THEN c.%[3]s WHEN c.%[1]s = ? THEN 0 END",
					s.Variable, s.CategoryValue, s.Count)
				args = append(args, v.Code, v.Code)
			case col.Kind == KindTotal && v.TotalOnly:
				expr = fmt.Sprintf("CASE WHEN c.%s = ? THEN c.%s END", s.Variable, s.Count)
				args = append(args, v.Code)
			default:
				// derived in stage 2
				continue
			}
			fmt.Fprintf(&b, ",\n    SUM(%s) AS %s", expr, quote(col.Name))
		}
	}
	codes := plan.Codes()
	fmt.Fprintf(&b, "\n  FROM %s c\n  WHERE c.%s IN (%s)\n  GROUP BY c.%s\n)\n",
		s.Facts, s.Variable, placeholders(len(codes)), s.FactGeoID)
	for _, code := range codes {
		args = append(args, code)
	}

	// stage 2: join geometry, filter, aggregate
	dissolve := spec.Level.Dissolve()
	agg := func(name string) string {
		if dissolve {
			return "SUM(p." + quote(name) + ")"
		}
		return "p." + quote(name)
	}
	geoID, groupBy := levelKey(s, spec.Level)
	geom := d.GeometryText("g." + s.Geom)
	if dissolve {
		geom = d.UnionText("g." + s.Geom)
	}
	fmt.Fprintf(&b, "SELECT %s AS %s,\n  %s AS %s", geoID, ColGeoID, geom, ColWKT)
	for _, v := range plan.Variables {
		var parts []string
		for _, col := range v.Columns {
			expr := agg(col.Name)
			if col.Kind == KindTotal && !v.TotalOnly {
				expr = "(" + strings.Join(parts, " + ") + ")"
			} else {
				parts = append(parts, expr)
			}
			fmt.Fprintf(&b, ",\n  CAST(%s AS %s) AS %s", expr, d.Float(), quote(col.Name))
		}
	}
	fmt.Fprintf(&b, "\nFROM %s g\nLEFT JOIN %s p ON p.%s = g.%s\nWHERE 1=1",
		s.Geometry, pivotCTE, unitIDCol, s.GeoID)

	filter, filterArgs, ignored := geoFilter(s, spec.Level, spec.Filters)
	if filter != "" {
		b.WriteString("\n  AND " + filter)
		args = append(args, filterArgs...)
	}
	if spec.BBox != nil {
		pred, bargs := d.BBoxPredicate("g", s, *spec.BBox)
		b.WriteString("\n  AND " + pred)
		args = append(args, bargs...)
	}
	if groupBy != "" {
		b.WriteString("\nGROUP BY " + groupBy)
	}
	b.WriteString("\nORDER BY " + ColGeoID)

	return Query{SQL: b.String(), Args: args, Fields: plan.Fields(), Ignored: ignored}, nil
}

func levelKey(s census.Schema, level census.GeoLevel) (geoID, groupBy string) {
	keys := []string{"g." + s.Province, "g." + s.Department, "g." + s.Fraction}
	n := level.Segments()
	if n == 0 {
		return "g." + s.GeoID, ""
	}
	return strings.Join(keys[:n], " || '-' || "), strings.Join(keys[:n], ", ")
}

// geoFilter builds the filter predicate for codes at level. Codes with the
// wrong number of segments are returned as ignored.
func geoFilter(s census.Schema, level census.GeoLevel, codes []string) (string, []any, []string) {
	var (
		args    []any
		ignored []string
		terms   []string
	)
	n := level.Segments()
	for _, raw := range codes {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		if n == 0 {
			args = append(args, code)
			continue
		}
		parts := strings.Split(code, "-")
		if len(parts) != n || hasEmpty(parts) {
			ignored = append(ignored, raw)
			continue
		}
		if n == 1 {
			args = append(args, parts[0])
			continue
		}
		cols := []string{s.Province, s.Department, s.Fraction}[:n]
		conds := make([]string, n)
		for i, col := range cols {
			conds[i] = "g." + col + " = ?"
			args = append(args, parts[i])
		}
		terms = append(terms, "("+strings.Join(conds, " AND ")+")")
	}
	switch {
	case len(args) == 0:
		return "", nil, ignored
	case n == 0:
		return fmt.Sprintf("g.%s IN (%s)", s.GeoID, placeholders(len(args))), args, ignored
	case n == 1:
		return fmt.Sprintf("g.%s IN (%s)", s.Province, placeholders(len(args))), args, ignored
	default:
		return "(" + strings.Join(terms, " OR ") + ")", args, ignored
	}
}

func hasEmpty(parts []string) bool {
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quote(name string) string { return `"` + name + `"` }

// Display returns the statement with its arguments inlined, for logs and
// query history. It is not meant to be executed.
func (q Query) Display() string {
	var b strings.Builder
	i := 0
	for _, r := range q.SQL {
		if r == '?' && i < len(q.Args) {
			b.WriteString(literal(q.Args[i]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
