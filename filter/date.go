package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDate parses a date literal used on the right-hand side of a `date`
// comparison: either an absolute ISO-8601 timestamp, or a locale-fixed
// relative English phrase of the form "<N> <unit(s)> ago" (spec.md
// §4.12). No general natural-language dateparser library is pulled in for
// this — the grammar is deliberately narrow ("a locale-fixed parser"), and
// no such library appears in the retrieved corpus, so a small dedicated
// parser mirrors the filter DSL's own "never admit more than the declared
// grammar" posture.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if t, ok := parseRelative(s); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("filter: unrecognized date %q", s)
}

var unitDurations = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// parseRelative handles "<N> <unit>[s] ago" and "<unit> ago" (N implied 1)
// for seconds/minutes/hours/days/weeks. Months/years are excluded from the
// relative-date grammar (ambiguous length); absolute ISO dates or the
// retention policy's own month/year buckets (§4.10) cover that case.
func parseRelative(s string) (time.Time, bool) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 || fields[len(fields)-1] != "ago" {
		return time.Time{}, false
	}
	fields = fields[:len(fields)-1]

	n := 1
	unit := ""
	switch len(fields) {
	case 1:
		unit = fields[0]
	case 2:
		parsed, err := strconv.Atoi(fields[0])
		if err != nil {
			return time.Time{}, false
		}
		n = parsed
		unit = fields[1]
	default:
		return time.Time{}, false
	}
	unit = strings.TrimSuffix(unit, "s")
	d, ok := unitDurations[unit]
	if !ok {
		return time.Time{}, false
	}
	return time.Now().UTC().Add(-time.Duration(n) * d), true
}
