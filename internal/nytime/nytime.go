// Package nytime renders timestamps in New York local time, the reference
// timezone for US market hours.
package nytime

import (
	"fmt"
	"sync"
	"time"
)

// Layout is the display format, second precision, no zone suffix.
const Layout = "2006-01-02 15:04:05"

var location = sync.OnceValues(func() (*time.Location, error) {
	return time.LoadLocation("America/New_York")
})

// Format renders t in New York local time.
func Format(t time.Time) string {
	loc, err := location()
	if err != nil {
		return t.UTC().Format(Layout)
	}
	return t.In(loc).Format(Layout)
}

// FromUTC parses an ISO-8601 UTC timestamp and renders it in New York local
// time.
func FromUTC(ts string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "", fmt.Errorf("nytime: parse %q: %w", ts, err)
	}
	return Format(t), nil
}

// FromUTCOrEmpty is FromUTC with the error collapsed to an empty string,
// for display paths where a blank beats a crash.
func FromUTCOrEmpty(ts string) string {
	out, err := FromUTC(ts)
	if err != nil {
		return ""
	}
	return out
}
