// Package timestamp converts item timestamps to and from the wire format.
//
// The wire format is int64 milliseconds since the Unix epoch (UTC). Zero means
// "not set" in both directions so an absent timestamp survives a round trip.
package timestamp

import (
	"fmt"
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds, zero for the zero time.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time, the zero time for 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Truncate drops sub-millisecond precision so in-memory values compare equal
// to their decoded counterparts.
func Truncate(t time.Time) time.Time {
	return FromUnixMs(ToUnixMs(t))
}

// Format renders milliseconds as RFC3339 for logs, empty for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// Parse accepts RFC3339 strings, integer strings and numbers. Integers below
// 1e12 are treated as seconds.
func Parse(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return normalize(t), nil
	case int:
		return normalize(int64(t)), nil
	case float64:
		return normalize(int64(t)), nil
	case time.Time:
		return ToUnixMs(t), nil
	case string:
		if t == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return normalize(n), nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, fmt.Errorf("timestamp: parse %q: %w", t, err)
		}
		return ToUnixMs(parsed), nil
	default:
		return 0, fmt.Errorf("timestamp: unsupported type %T", v)
	}
}

func normalize(n int64) int64 {
	if n != 0 && n < 1e12 {
		return n * 1000
	}
	return n
}
