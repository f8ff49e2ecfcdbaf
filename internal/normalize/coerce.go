package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Layouts tried, in order, for string timestamps. Strings without a zone are
// read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

const epochMillisThreshold = 1_000_000_000_000

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, fmt.Errorf("zero timestamp")
		}
		return x.UTC(), nil
	case *time.Time:
		if x == nil {
			return time.Time{}, fmt.Errorf("missing timestamp")
		}
		return toTime(*x)
	case int64:
		return fromEpoch(x), nil
	case int:
		return fromEpoch(int64(x)), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, fmt.Errorf("non-finite timestamp %v", x)
		}
		return fromEpoch(int64(x)), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", x, err)
		}
		return fromEpoch(n), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n), nil
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", x)
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func fromEpoch(v int64) time.Time {
	if v > epochMillisThreshold {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// toFloat never fails: anything it cannot read becomes NaN.
func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case *float64:
		if x == nil {
			return math.NaN()
		}
		return *x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

func toVolume(v any) int64 {
	switch x := v.(type) {
	case int64:
		return max(x, 0)
	case int:
		return int64(max(x, 0))
	}
	f := toFloat(v)
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0) || f < 0:
		return 0
	case f >= math.MaxInt64:
		// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold
		return math.MaxInt64
	}
	return int64(f)
}

func toTicker(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case nil:
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func missingCell(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case *float64:
		return x == nil || math.IsNaN(*x)
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}
