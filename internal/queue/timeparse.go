package queue

import (
	"log/slog"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ParseTimestamp parses a stored timestamp in any common layout.
// Naive values are interpreted in loc. An empty or unparseable value falls
// back to now; the fallback is logged and counted so that corrupted rows are
// distinguishable from genuinely due ones.
func ParseTimestamp(raw string, loc *time.Location, now time.Time) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	raw = strings.TrimSpace(raw)
	if raw != "" {
		// dateparse drops the zone of fractional values ending in Z, so
		// zoned ISO 8601 values go through the strict layout first.
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, true
		}
		t, err := dateparse.ParseIn(raw, loc)
		if err == nil {
			return t, true
		}
		slog.Warn("unparseable timestamp, falling back to now", "value", raw, "error", err)
	} else {
		slog.Warn("empty timestamp, falling back to now")
	}

	recordTimestampFallback()
	return now, false
}

// ParseOptionalTimestamp parses a nullable timestamp. Empty values stay nil.
func ParseOptionalTimestamp(raw string, loc *time.Location, now time.Time) *time.Time {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	t, _ := ParseTimestamp(raw, loc, now)
	return &t
}
