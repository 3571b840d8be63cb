package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"censocore/internal/cache"
	"censocore/internal/census"
	"censocore/internal/engine"
	"censocore/internal/metrics"
)

// EntityTypes lists the entity types present in the dictionary, limited to
// Entities, in alphabetical order.
func (c *Catalog) EntityTypes(ctx context.Context) ([]string, error) {
	s := c.schema
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(Entities)), ", ")
	q := fmt.Sprintf(`SELECT DISTINCT m.%[1]s FROM %[2]s m WHERE m.%[1]s IN (%[3]s) ORDER BY m.%[1]s`,
		s.Entity, s.Dictionary, placeholders)
	args := make([]any, len(Entities))
	for i, e := range Entities {
		args[i] = e
	}
	var out []string
	err := c.exec.Execute(ctx, q, args, func(_ []string, v []any) error {
		out = append(out, engine.String(v[0]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	return out, nil
}

// Variables lists the dictionary's variables ordered by code. An empty
// entity lists every variable.
func (c *Catalog) Variables(ctx context.Context, entity string) ([]census.Variable, error) {
	s := c.schema
	q := fmt.Sprintf(`SELECT DISTINCT m.%s, m.%s, m.%s FROM %s m`, s.Variable, s.VariableLabel, s.Entity, s.Dictionary)
	var args []any
	if entity != "" {
		q += fmt.Sprintf(` WHERE m.%s = ?`, s.Entity)
		args = append(args, entity)
	}
	q += fmt.Sprintf(` ORDER BY m.%s, m.%s`, s.Variable, s.VariableLabel)

	var out []census.Variable
	seen := make(map[string]struct{})
	err := c.exec.Execute(ctx, q, args, func(_ []string, v []any) error {
		code := engine.String(v[0])
		if _, dup := seen[code]; dup {
			return nil
		}
		seen[code] = struct{}{}
		out = append(out, census.Variable{Code: code, Label: engine.String(v[1]), Entity: engine.String(v[2])})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	return out, nil
}

// GeoCode is a filter code with its human label.
type GeoCode struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// GeoCodes lists the codes usable as filters at level, formatted the way
// filters expect them (PROV, PROV-DEPTO, PROV-DEPTO-FRACC or the radio id).
// limit <= 0 means no limit.
func (c *Catalog) GeoCodes(ctx context.Context, level census.GeoLevel, limit int) ([]GeoCode, error) {
	s := c.schema
	var code, label string
	switch level {
	case census.LevelProvincia:
		code = "c." + s.ProvinceValue
		label = "c." + s.ProvinceLabel
	case census.LevelDepartamento:
		code = fmt.Sprintf("c.%s || '-' || c.%s", s.ProvinceValue, s.DepartmentValue)
		label = fmt.Sprintf("c.%s || ' - ' || c.%s", s.ProvinceLabel, s.DepartmentLabel)
	case census.LevelFraccion:
		code = fmt.Sprintf("c.%s || '-' || c.%s || '-' || c.%s", s.ProvinceValue, s.DepartmentValue, s.FractionValue)
		label = fmt.Sprintf("c.%s || ' - ' || c.%s || ' - Fracc ' || c.%s", s.ProvinceLabel, s.DepartmentLabel, s.FractionValue)
	case census.LevelRadio:
		code = "c." + s.FactGeoID
		label = fmt.Sprintf("c.%s || ' - ' || c.%s || ' - Radio ' || c.%s", s.ProvinceLabel, s.DepartmentLabel, s.RadioValue)
	default:
		return nil, fmt.Errorf("unknown geo level %q", level)
	}
	q := fmt.Sprintf(`SELECT DISTINCT %s AS code, %s AS label FROM %s c ORDER BY code`, code, label, s.Facts)
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []GeoCode
	err := c.exec.Execute(ctx, q, args, func(_ []string, v []any) error {
		out = append(out, GeoCode{Code: engine.String(v[0]), Label: engine.String(v[1])})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s codes: %w", level, err)
	}
	return out, nil
}

// Preload reads the whole dictionary once, returns every variable's
// category set and seeds the cache with them. Later Resolve calls for
// these variables are served from the cache.
func (c *Catalog) Preload(ctx context.Context) (sets map[string]census.CategorySet, err error) {
	start := time.Now()
	defer func() {
		c.metrics.Observe(ctx, metrics.OpPreload, err == nil, time.Since(start))
	}()
	s := c.schema
	// same ordering and label choice as Resolve, so both derive the same columns
	q := fmt.Sprintf(`SELECT m.%[1]s, m.%[2]s, m.%[3]s, m.%[4]s FROM %[5]s m ORDER BY m.%[1]s, m.%[2]s, m.%[3]s`,
		s.Variable, s.CategoryValue, s.CategoryLabel, s.VariableLabel, s.Dictionary)
	sets = make(map[string]census.CategorySet)
	seen := make(map[string]map[string]struct{})
	labeled := make(map[string]bool)
	err = c.exec.Execute(ctx, q, nil, func(_ []string, v []any) error {
		code := engine.String(v[0])
		set, ok := sets[code]
		if !ok {
			set = census.CategorySet{Variable: code}
			seen[code] = make(map[string]struct{})
		}
		if v[3] != nil {
			if label := engine.String(v[3]); !labeled[code] || label < set.Label {
				set.Label = label
				labeled[code] = true
			}
		}
		if v[1] != nil {
			if value := engine.String(v[1]); !has(seen[code], value) {
				seen[code][value] = struct{}{}
				set.Categories = append(set.Categories, census.Category{Value: value, Label: engine.String(v[2])})
			}
		}
		sets[code] = set
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("preload dictionary: %w", err)
	}

	q = fmt.Sprintf(`SELECT DISTINCT c.%[1]s FROM %[2]s c WHERE c.%[3]s IS NULL`, s.Variable, s.Facts, s.CategoryValue)
	err = c.exec.Execute(ctx, q, nil, func(_ []string, v []any) error {
		if set, ok := sets[engine.String(v[0])]; ok {
			set.HasNulls = true
			sets[set.Variable] = set
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("preload null categories: %w", err)
	}

	codes := make([]string, 0, len(sets))
	for code := range sets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		set := sets[code]
		census.SortCategories(set.Categories)
		sets[code] = set
		if err := cache.PutCategories(ctx, c.cache, c.version, set); err != nil {
			return nil, fmt.Errorf("seed cache for %s: %w", code, err)
		}
	}
	c.logger.InfoContext(ctx, "dictionary preloaded", "variables", len(sets))
	return sets, nil
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
