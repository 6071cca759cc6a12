package query

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadTime rejects a time bound that is neither RFC 3339 nor a date.
var ErrBadTime = errors.New("time must be RFC 3339 or YYYY-MM-DD")

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ParseTime reads a range bound. Empty input is the zero time, which
// leaves that side of a range open.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTime, s)
}

// EndOfDay moves a date-only bound to the last instant of that day so an
// inclusive upper bound covers the whole day.
func EndOfDay(s string, t time.Time) time.Time {
	if t.IsZero() || len(strings.TrimSpace(s)) != len("2006-01-02") {
		return t
	}

	return t.Add(24*time.Hour - time.Nanosecond)
}
