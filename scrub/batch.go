package scrub

import (
	"context"

	"github.com/benji-backup/benji/filter"
	"github.com/benji-backup/benji/ioadapter"
)

// BatchResult collects one Result per Version a batch scrub touched.
type BatchResult struct {
	Results []Result
	Failed  map[string]error
}

// versionsMatching lists every Version across all volumes and keeps the
// ones expr matches, per spec.md §4.12's "batch-scrub/batch-deep-scrub
// apply a filter expression across all versions instead of naming one".
func (s *Scrubber) versionsMatching(ctx context.Context, expr filter.Expr) ([]string, error) {
	versions, err := s.meta.ListVersions(ctx, "")
	if err != nil {
		return nil, err
	}
	var uids []string
	for _, v := range versions {
		ok, err := filter.Match(expr, v)
		if err != nil {
			return nil, err
		}
		if ok {
			uids = append(uids, v.UID)
		}
	}
	return uids, nil
}

// BatchLight runs Light over every Version matching expr.
func (s *Scrubber) BatchLight(ctx context.Context, expr filter.Expr, blockPercentage int) (BatchResult, error) {
	uids, err := s.versionsMatching(ctx, expr)
	if err != nil {
		return BatchResult{}, err
	}
	out := BatchResult{Failed: map[string]error{}}
	for _, uid := range uids {
		res, err := s.Light(ctx, uid, blockPercentage)
		if err != nil {
			out.Failed[uid] = err
			continue
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// BatchDeep runs Deep over every Version matching expr. source is never
// used in a batch context (spec.md §4.8 restricts --source comparison to
// a single-version deep-scrub).
func (s *Scrubber) BatchDeep(ctx context.Context, expr filter.Expr, blockPercentage int) (BatchResult, error) {
	uids, err := s.versionsMatching(ctx, expr)
	if err != nil {
		return BatchResult{}, err
	}
	var noSource ioadapter.Source
	out := BatchResult{Failed: map[string]error{}}
	for _, uid := range uids {
		res, err := s.Deep(ctx, uid, blockPercentage, noSource)
		if err != nil {
			out.Failed[uid] = err
			continue
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}
