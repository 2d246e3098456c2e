package migration

import (
	"math"
	"time"
)

// unixSecondsToTime converts an export timestamp (unix seconds, fractional) to UTC. Non-positive
// values are treated as unset to avoid 1970-era dates in downstream artifacts.
func unixSecondsToTime(sec *float64) (time.Time, bool) {
	if sec == nil || *sec <= 0 {
		return time.Time{}, false
	}
	ns := int64(math.Round(*sec * 1e9))
	return time.Unix(0, ns).UTC(), true
}

func formatISO8601(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
