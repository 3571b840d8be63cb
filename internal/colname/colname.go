// Package colname derives stable SQL/GIS column identifiers from census
// variable codes and category labels.
//
// Derived names are never truncated. Formats with short identifier limits
// (shapefile DBF) are the caller's concern.
package colname

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DigitPrefix is prepended to names that would otherwise start with a digit.
const DigitPrefix = "cat_"

// Unknown replaces labels that sanitize to nothing.
const Unknown = "unknown"

var (
	separators  = regexp.MustCompile(`[\s\-/]`)
	disallowed  = regexp.MustCompile(`[^a-z0-9_]`)
	underscores = regexp.MustCompile(`_+`)
)

// Sanitize turns an arbitrary label into an identifier matching
// ^[a-z_][a-z0-9_]*$. It is total: every input yields a usable name.
func Sanitize(label string) string {
	s := clean(label)
	if s == "" {
		return Unknown
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = DigitPrefix + s
	}
	return s
}

func clean(s string) string {
	// transform chains hold state, so build one per call
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	s = strings.ToLower(s)
	s = separators.ReplaceAllString(s, "_")
	s = disallowed.ReplaceAllString(s, "")
	s = underscores.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// Derive returns the column name for a variable's category. A nil label
// names the variable's unclassified (null category) column.
func Derive(variable string, label *string) string {
	if label == nil {
		return Null(variable)
	}
	return Sanitize(variable) + "_" + Sanitize(*label)
}

// Null returns the name of the variable's null-category column.
func Null(variable string) string { return Sanitize(variable) + "_null" }

// Total returns the name of the variable's total column.
func Total(variable string) string { return Sanitize(variable) + "_total" }

// Set hands out unique column names for the categories of one variable.
//
// When two labels derive the same name, the later one gets the sanitized raw
// category value appended, then a numeric ordinal if it still collides. The
// null and total names are reserved up front.
type Set struct {
	variable string
	used     map[string]struct{}
}

// NewSet returns a Set for variable with its null and total names reserved.
func NewSet(variable string) *Set {
	s := &Set{variable: variable, used: make(map[string]struct{})}
	s.used[Null(variable)] = struct{}{}
	s.used[Total(variable)] = struct{}{}
	return s
}

// Category returns a name for (value, label) unique within the set.
func (s *Set) Category(value, label string) string {
	base := Derive(s.variable, &label)
	if s.take(base) {
		return base
	}
	if v := clean(value); v != "" {
		if cand := base + "_" + v; s.take(cand) {
			return cand
		}
	}
	for i := 2; ; i++ {
		if cand := base + "_" + strconv.Itoa(i); s.take(cand) {
			return cand
		}
	}
}

func (s *Set) take(name string) bool {
	if _, ok := s.used[name]; ok {
		return false
	}
	s.used[name] = struct{}{}
	return true
}
