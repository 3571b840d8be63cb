package pivot

import (
	"fmt"

	"censocore/internal/census"
)

// Tier classifies a projected column count.
type Tier int

const (
	TierNone    Tier = iota // proceed silently
	TierWarn                // proceed with a warning
	TierConfirm             // proceed only when confirmed
)

func (t Tier) String() string {
	switch t {
	case TierWarn:
		return "warn"
	case TierConfirm:
		return "confirm"
	default:
		return "none"
	}
}

// MarshalText renders the tier name in JSON reports.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Default column-count thresholds.
const (
	DefaultWarn    = 50
	DefaultConfirm = 100
)

// Policy holds the column-count thresholds. Counts strictly above Warn
// warn, counts strictly above Confirm need confirmation.
type Policy struct {
	Warn    int
	Confirm int
}

// DefaultPolicy returns the 50 / 100 thresholds.
func DefaultPolicy() Policy { return Policy{Warn: DefaultWarn, Confirm: DefaultConfirm} }

// Classify returns the tier of count.
func (p Policy) Classify(count int) Tier {
	switch {
	case p.Confirm > 0 && count > p.Confirm:
		return TierConfirm
	case p.Warn > 0 && count > p.Warn:
		return TierWarn
	default:
		return TierNone
	}
}

// Check applies the policy. It returns a warning for counts above Warn and
// a census.ColumnCountError for counts above Confirm unless confirmed.
func (p Policy) Check(count int, confirmed bool) (warning string, err error) {
	switch p.Classify(count) {
	case TierConfirm:
		if !confirmed {
			return "", census.ColumnCountError{Count: count, Threshold: p.Confirm}
		}
		return fmt.Sprintf("loading %d columns (confirmed above %d)", count, p.Confirm), nil
	case TierWarn:
		return fmt.Sprintf("loading %d columns may be slow (more than %d)", count, p.Warn), nil
	default:
		return "", nil
	}
}
