package finance

import (
	"strings"
	"time"

	"adega/backend/internal/domain"
)

const dateLayout = "2006-01-02"

// ResolveWindow turns the raw startDate/endDate query values into a half-open
// window. The end bound is moved forward one calendar day so the whole end
// day is included. Bounds that cannot be parsed are left open and their names
// are returned so the caller can log them.
func ResolveWindow(startRaw string, endRaw string) (domain.DateRange, []string) {
	var window domain.DateRange
	var ignored []string

	if raw := strings.TrimSpace(startRaw); raw != "" {
		if start, ok := parseDate(raw); ok {
			window.From = &start
		} else {
			ignored = append(ignored, "startDate")
		}
	}

	if raw := strings.TrimSpace(endRaw); raw != "" {
		if end, ok := parseDate(raw); ok {
			end = end.AddDate(0, 0, 1)
			window.To = &end
		} else {
			ignored = append(ignored, "endDate")
		}
	}

	return window, ignored
}

func parseDate(raw string) (time.Time, bool) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// WindowKey is a stable textual form of a window, used for cache keys.
func WindowKey(window domain.DateRange) string {
	from, to := "-", "-"
	if window.From != nil {
		from = window.From.UTC().Format(time.RFC3339)
	}
	if window.To != nil {
		to = window.To.UTC().Format(time.RFC3339)
	}
	return from + "|" + to
}
