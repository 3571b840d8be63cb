// Package pivot turns resolved category sets into the two-stage query that
// reshapes long-format census facts into one wide row per geography unit.
//
// The pivot stage collapses facts to exactly one row per leaf unit before
// any join with geometry, so aggregating to coarser levels never counts a
// fact twice.
package pivot

import (
	"strconv"

	"censocore/internal/census"
	"censocore/internal/colname"
)

// ColumnKind tells how a pivot column is computed.
type ColumnKind int

const (
	KindCategory ColumnKind = iota // sum of one category's counts
	KindNull                       // sum of unclassified counts
	KindTotal                      // variable total
)

// Column is one output attribute of the plan.
type Column struct {
	Name     string
	Alias    string
	Variable string
	Kind     ColumnKind
	Value    string // category value for KindCategory
}

// Variable groups the columns projected for one variable.
type Variable struct {
	Code      string
	TotalOnly bool
	Columns   []Column
}

// Plan is the ordered column layout for a set of variables. Column order
// follows variable order, then category order, then null, then total.
type Plan struct {
	Variables []Variable
}

// NewPlan lays out columns for sets in order. Duplicate variables keep their
// first occurrence.
func NewPlan(sets []census.CategorySet) Plan {
	var p Plan
	seenVar := make(map[string]struct{}, len(sets))
	used := make(map[string]struct{})
	unique := func(name string) string {
		cand := name
		for i := 2; ; i++ {
			if _, taken := used[cand]; !taken {
				used[cand] = struct{}{}
				return cand
			}
			cand = name + "_" + strconv.Itoa(i)
		}
	}
	for _, set := range sets {
		if _, dup := seenVar[set.Variable]; dup {
			continue
		}
		seenVar[set.Variable] = struct{}{}
		v := Variable{Code: set.Variable, TotalOnly: set.TotalOnly()}
		if !v.TotalOnly {
			names := colname.NewSet(set.Variable)
			for _, cat := range set.Categories {
				v.Columns = append(v.Columns, Column{
					Name:     unique(names.Category(cat.Value, cat.Label)),
					Alias:    set.DisplayName() + ": " + cat.Label,
					Variable: set.Variable,
					Kind:     KindCategory,
					Value:    cat.Value,
				})
			}
			if set.HasNulls {
				v.Columns = append(v.Columns, Column{
					Name:     unique(colname.Null(set.Variable)),
					Alias:    set.DisplayName() + ": sin categoría",
					Variable: set.Variable,
					Kind:     KindNull,
				})
			}
		}
		v.Columns = append(v.Columns, Column{
			Name:     unique(colname.Total(set.Variable)),
			Alias:    set.DisplayName() + ": total",
			Variable: set.Variable,
			Kind:     KindTotal,
		})
		p.Variables = append(p.Variables, v)
	}
	return p
}

// Columns returns every column in output order.
func (p Plan) Columns() []Column {
	var out []Column
	for _, v := range p.Variables {
		out = append(out, v.Columns...)
	}
	return out
}

// ColumnCount is the number of projected attribute columns.
func (p Plan) ColumnCount() int {
	n := 0
	for _, v := range p.Variables {
		n += len(v.Columns)
	}
	return n
}

// Codes returns the variable codes in plan order.
func (p Plan) Codes() []string {
	out := make([]string, len(p.Variables))
	for i, v := range p.Variables {
		out[i] = v.Code
	}
	return out
}

// Fields describes the attribute columns for consumers.
func (p Plan) Fields() []census.Field {
	cols := p.Columns()
	out := make([]census.Field, len(cols))
	for i, c := range cols {
		out[i] = census.Field{Name: c.Name, Alias: c.Alias, Type: census.FieldDouble, Variable: c.Variable}
	}
	return out
}

// ColumnCount computes the projected column count of sets without building
// a plan.
func ColumnCount(sets []census.CategorySet) int {
	n := 0
	for _, s := range sets {
		n += s.ColumnCount()
	}
	return n
}
