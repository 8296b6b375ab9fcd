// Package retention implements the `enforce` retention policy engine from
// spec.md §4.10: parsing a "cat1N1,cat2N2,..." policy expression and
// selecting, per Version name, which Versions survive.
//
// Pure time-bucketing logic grounded on
// original_source/src/benji/retentionfilter.py (per SPEC_FULL.md §10,
// confirming the bucket semantics implemented here literally) — no
// retention/cron-expression library appears anywhere in the retrieved
// corpus, so this stays on stdlib time.
package retention

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/benji-backup/benji/metadata"
)

// CategoryKind is one of the bucket granularities spec.md §4.10 names.
type CategoryKind string

const (
	Latest CategoryKind = "latest"
	Hours  CategoryKind = "hours"
	Days   CategoryKind = "days"
	Weeks  CategoryKind = "weeks"
	Months CategoryKind = "months"
	Years  CategoryKind = "years"
)

// categoryOrder is the fixed youngest→oldest processing order spec.md
// §4.10 step 2 requires regardless of the policy string's textual order.
var categoryOrder = []CategoryKind{Latest, Hours, Days, Weeks, Months, Years}

// Category is one "catN" term of a parsed policy.
type Category struct {
	Kind CategoryKind
	N    int
}

var policyTermRe = regexp.MustCompile(`^(latest|hours|days|weeks|months|years)(\d+)$`)

// ParsePolicy parses a "cat1N1,cat2N2,..." retention expression, e.g.
// "latest2,days5".
func ParsePolicy(s string) ([]Category, error) {
	if s == "" {
		return nil, fmt.Errorf("retention: empty policy")
	}
	var cats []Category
	for _, term := range splitCommas(s) {
		m := policyTermRe.FindStringSubmatch(term)
		if m == nil {
			return nil, fmt.Errorf("retention: invalid policy term %q", term)
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("retention: invalid N in term %q", term)
		}
		cats = append(cats, Category{Kind: CategoryKind(m[1]), N: n})
	}
	return cats, nil
}

func splitCommas(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Versioned is the subset of metadata.Version fields this package's
// bucketing logic needs, kept separate from metadata.Version so the
// bucketing math is trivially testable without a metadata.Store.
type Versioned struct {
	UID       string
	Date      time.Time
	Protected bool
}

// FromVersions adapts metadata.Store version rows to Versioned values.
func FromVersions(versions []*metadata.Version) []Versioned {
	out := make([]Versioned, len(versions))
	for i, v := range versions {
		out[i] = Versioned{UID: v.UID, Date: v.Date, Protected: v.Protected}
	}
	return out
}

// Select applies policy to versions (already filtered to one Version
// name) and reports which UIDs survive. now anchors the bucket
// boundaries; loc is the local timezone bucket boundaries are computed
// in, per spec.md §4.10 step 2 ("local timezone"). disallowYounger
// versions and Protected versions are always kept (spec.md invariants
//5-6), independent of the policy.
func Select(versions []Versioned, policy []Category, now time.Time, loc *time.Location, disallowYounger time.Duration) map[string]bool {
	if loc == nil {
		loc = time.Local
	}
	byKind := map[CategoryKind]Category{}
	for _, c := range policy {
		byKind[c.Kind] = c
	}

	keep := map[string]bool{}

	// carry is the oldest surviving Version kept by the category processed
	// just before the one currently running (categoryOrder's youngest→
	// oldest sequence). spec.md §4.10 step 3: an empty bucket in the
	// current category preserves that Version rather than leaving the
	// bucket's slot unfilled, giving it a chance to age into this category
	// on a later enforce run instead of being dropped the moment it falls
	// out of the younger category's window.
	var carry *Versioned

	for _, kind := range categoryOrder {
		cat, ok := byKind[kind]
		if !ok {
			continue
		}
		if kind == Latest {
			keepLatest(versions, cat.N, keep)
			carry = oldestKept(versions, keep)
			continue
		}
		keepBucketed(versions, kind, cat.N, now, loc, keep, carry)
		carry = oldestKept(versions, keep)
	}

	// Invariants 5-6: protected and too-young versions are never removed,
	// whether or not the policy itself would have kept them.
	for _, v := range versions {
		if v.Protected || now.Sub(v.Date) < disallowYounger {
			keep[v.UID] = true
		}
	}
	return keep
}

func keepLatest(versions []Versioned, n int, keep map[string]bool) {
	sorted := append([]Versioned(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })
	for i := 0; i < n && i < len(sorted); i++ {
		keep[sorted[i].UID] = true
	}
}

func keepBucketed(versions []Versioned, kind CategoryKind, n int, now time.Time, loc *time.Location, keep map[string]bool, carry *Versioned) {
	cur := bucketStart(kind, now, loc)
	for i := 0; i < n; i++ {
		var oldestInBucket *Versioned
		for idx := range versions {
			v := &versions[idx]
			if bucketStart(kind, v.Date, loc).Equal(cur) {
				if oldestInBucket == nil || v.Date.Before(oldestInBucket.Date) {
					oldestInBucket = v
				}
			}
		}
		if oldestInBucket != nil {
			keep[oldestInBucket.UID] = true
		} else if carry != nil {
			keep[carry.UID] = true
		}
		cur = prevBucket(kind, cur)
	}
}

// oldestKept returns the oldest Version currently marked surviving in keep,
// or nil if keep is empty. Used to find the "next-younger category's oldest
// surviving Version" spec.md §4.10 step 3 carries forward into an empty
// bucket of the category processed next.
func oldestKept(versions []Versioned, keep map[string]bool) *Versioned {
	var oldest *Versioned
	for idx := range versions {
		v := &versions[idx]
		if !keep[v.UID] {
			continue
		}
		if oldest == nil || v.Date.Before(oldest.Date) {
			oldest = v
		}
	}
	return oldest
}

// bucketStart returns the start of the bucket of kind containing t, in
// loc, per spec.md §4.10 step 2: hour begins at :00, week begins Monday
// 00:00, month on day 1 00:00, year on Jan 1 00:00.
func bucketStart(kind CategoryKind, t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	switch kind {
	case Hours:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case Days:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case Weeks:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		// Go's Weekday is Sunday=0..Saturday=6; weeks start Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Months:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case Years:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}

func prevBucket(kind CategoryKind, bucket time.Time) time.Time {
	switch kind {
	case Hours:
		return bucket.Add(-time.Hour)
	case Days:
		return bucket.AddDate(0, 0, -1)
	case Weeks:
		return bucket.AddDate(0, 0, -7)
	case Months:
		return bucket.AddDate(0, -1, 0)
	case Years:
		return bucket.AddDate(-1, 0, 0)
	default:
		return bucket
	}
}
