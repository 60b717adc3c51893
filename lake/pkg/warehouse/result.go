package warehouse

import (
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// QueryResult is a capped, JSON-safe query result.
type QueryResult struct {
	Columns     []string      `json:"columns"`
	ColumnTypes []string      `json:"column_types,omitempty"`
	Rows        [][]any       `json:"rows"`
	RowCount    int           `json:"row_count"`
	Truncated   bool          `json:"truncated"`
	Elapsed     time.Duration `json:"-"`
}

// capRows keeps at most max rows and reports whether any were dropped.
func (r *QueryResult) capRows(max int) {
	if len(r.Rows) > max {
		r.Rows = r.Rows[:max]
		r.Truncated = true
	}
	r.RowCount = len(r.Rows)
}

// jsonValue converts a driver value to a JSON-safe scalar: nil, bool,
// int64, float64 or string.
func jsonValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return fmt.Sprint(val)
		}
		return int64(val)
	case float32:
		return finite(float64(val))
	case float64:
		return finite(val)
	case []byte:
		return string(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format(time.DateOnly)
		}
		return val.Format(time.RFC3339)
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return finite(f.Float64)
	case interface{ InexactFloat64() float64 }:
		return finite(val.InexactFloat64())
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func finite(f float64) any {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return f
}
