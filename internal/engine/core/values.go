package core

import (
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// Float converts a scanned numeric value into *float64. SQL NULL yields nil.
func Float(v any) (*float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case int:
		f = float64(x)
	case uint64:
		f = float64(x)
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		f, _ = new(big.Float).SetInt(x).Float64()
	case []byte:
		return parseFloat(string(x))
	case string:
		return parseFloat(x)
	default:
		return nil, fmt.Errorf("unsupported numeric value %T", v)
	}
	return &f, nil
}

func parseFloat(s string) (*float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return &f, nil
}

// String renders a scanned value as text. SQL NULL yields "".
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Plain converts driver values into JSON-friendly ones.
func Plain(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	default:
		return v
	}
}
