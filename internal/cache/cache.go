// Package cache holds resolved category sets between runs. Entries are
// immutable for a dataset version, so keys embed the version and nothing is
// ever invalidated in place.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"censocore/internal/census"
)

// Cache is a lookup-before-compute store of opaque values.
// Get reports a miss with ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
}

// CategoryKey is the key of a variable's category set for a dataset version.
func CategoryKey(version, code string) string {
	if version == "" {
		version = "default"
	}
	return "categories/" + version + "/" + code
}

// Categories loads a cached category set. A nil cache always misses.
func Categories(ctx context.Context, c Cache, version, code string) (census.CategorySet, bool, error) {
	if c == nil {
		return census.CategorySet{}, false, nil
	}
	raw, ok, err := c.Get(ctx, CategoryKey(version, code))
	if err != nil || !ok {
		return census.CategorySet{}, false, err
	}
	var set census.CategorySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return census.CategorySet{}, false, fmt.Errorf("decode cached categories for %s: %w", code, err)
	}
	return set, true, nil
}

// PutCategories stores a category set. A nil cache is a no-op.
func PutCategories(ctx context.Context, c Cache, version string, set census.CategorySet) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return c.Put(ctx, CategoryKey(version, set.Variable), raw)
}

// None never stores anything.
type None struct{}

func (None) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (None) Put(context.Context, string, []byte) error         { return nil }
