// Package clock provides the single normalized timestamp form used
// throughout the orchestrator: RFC3339 in UTC, truncated to the second.
package clock

import "time"

// Now returns the current wall-clock time in the normalized textual form.
func Now() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// NowTime returns the current wall-clock time truncated to the same
// resolution as Now, for callers that need a time.Time rather than text.
func NowTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Parse reverses Now's formatting.
func Parse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
