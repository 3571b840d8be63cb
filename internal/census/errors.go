package census

import (
	"errors"
	"fmt"
)

// ErrUnknownVariable is returned when a code is absent from the variable dictionary.
var ErrUnknownVariable = errors.New("unknown variable")

// ErrAllVariablesFailed is returned when no requested variable could be resolved.
var ErrAllVariablesFailed = errors.New("all variables failed to resolve")

// UnknownVariableError names the missing code and matches ErrUnknownVariable.
type UnknownVariableError struct {
	Variable string
}

func (e UnknownVariableError) Error() string {
	return fmt.Sprintf("variable %s not found in dictionary", e.Variable)
}

// Is lets errors.Is match the sentinel.
func (e UnknownVariableError) Is(target error) bool { return target == ErrUnknownVariable }

// CategoryFetchError reports a category lookup that kept failing after retries.
type CategoryFetchError struct {
	Variable string
	Attempts int
	Err      error
}

func (e CategoryFetchError) Error() string {
	return fmt.Sprintf("fetch categories for %s failed after %d attempts: %v", e.Variable, e.Attempts, e.Err)
}

func (e CategoryFetchError) Unwrap() error { return e.Err }

// ColumnCountError is returned when the projected column count exceeds the
// confirmation threshold and the caller did not confirm.
type ColumnCountError struct {
	Count     int
	Threshold int
}

func (e ColumnCountError) Error() string {
	return fmt.Sprintf("query projects %d columns (confirmation required above %d)", e.Count, e.Threshold)
}

// InvalidGeometryError describes an output row whose geometry could not be parsed.
type InvalidGeometryError struct {
	GeoID string
	Err   error
}

func (e InvalidGeometryError) Error() string {
	return fmt.Sprintf("invalid geometry for %s: %v", e.GeoID, e.Err)
}

func (e InvalidGeometryError) Unwrap() error { return e.Err }

// EngineError wraps a failed engine call together with the query text.
type EngineError struct {
	Query string
	Err   error
}

func (e EngineError) Error() string {
	return fmt.Sprintf("engine execution failed: %v", e.Err)
}

func (e EngineError) Unwrap() error { return e.Err }
