// cmd/benji/cmd_scrub.go implements scrub, deep-scrub, batch-scrub, and
// batch-deep-scrub (spec.md §4.8).
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/benji-backup/benji/filter"
	"github.com/benji-backup/benji/ioadapter"
	"github.com/benji-backup/benji/scrub"
)

func newScrubber(a *App) *scrub.Scrubber {
	return scrub.New(a.Meta, a.Backends, a.Chains, a.HashFn, a.Log)
}

func renderScrubResult(a *App, res scrub.Result) error {
	return a.emit(res, func() {
		renderTable([]string{"version", "deep", "checked", "skipped", "invalid", "ok"},
			[][]string{{res.VersionUID, fmt.Sprint(res.Deep), fmt.Sprint(res.BlocksChecked),
				fmt.Sprint(res.BlocksSkipped), fmt.Sprint(res.BlocksInvalid), fmt.Sprint(res.OK())}})
	})
}

func cmdScrub(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("scrub", flag.ContinueOnError)
	percent := fs.Int("block-percentage", 100, "percentage of blocks to sample")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: scrub [-block-percentage N] <version-uid>")
	}
	res, err := newScrubber(a).Light(ctx, fs.Arg(0), *percent)
	if err != nil {
		return err
	}
	return renderScrubResult(a, res)
}

func cmdDeepScrub(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("deep-scrub", flag.ContinueOnError)
	percent := fs.Int("block-percentage", 100, "percentage of blocks to sample")
	sourceURI := fs.String("source", "", "compare every checked block against this live source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: deep-scrub [-block-percentage N] [-source uri] <version-uid>")
	}

	var src ioadapter.Source
	if *sourceURI != "" {
		s, err := ioadapter.Open(ctx, *sourceURI, ioadapter.ReadOnly)
		if err != nil {
			return err
		}
		defer s.Close()
		src = s
	}

	res, err := newScrubber(a).Deep(ctx, fs.Arg(0), *percent, src)
	if err != nil {
		return err
	}
	return renderScrubResult(a, res)
}

func renderBatchResult(a *App, res scrub.BatchResult) error {
	return a.emit(res, func() {
		rows := make([][]string, 0, len(res.Results)+len(res.Failed))
		for _, r := range res.Results {
			rows = append(rows, []string{r.VersionUID, fmt.Sprint(r.Deep), fmt.Sprint(r.BlocksChecked),
				fmt.Sprint(r.BlocksInvalid), fmt.Sprint(r.OK()), ""})
		}
		for uid, err := range res.Failed {
			rows = append(rows, []string{uid, "", "", "", "false", err.Error()})
		}
		renderTable([]string{"version", "deep", "checked", "invalid", "ok", "error"}, rows)
	})
}

func cmdBatchScrub(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("batch-scrub", flag.ContinueOnError)
	percent := fs.Int("block-percentage", 100, "percentage of blocks to sample")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: batch-scrub [-block-percentage N] <filter-expression>")
	}
	expr, err := filter.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := newScrubber(a).BatchLight(ctx, expr, *percent)
	if err != nil {
		return err
	}
	return renderBatchResult(a, res)
}

func cmdBatchDeepScrub(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("batch-deep-scrub", flag.ContinueOnError)
	percent := fs.Int("block-percentage", 100, "percentage of blocks to sample")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: batch-deep-scrub [-block-percentage N] <filter-expression>")
	}
	expr, err := filter.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := newScrubber(a).BatchDeep(ctx, expr, *percent)
	if err != nil {
		return err
	}
	return renderBatchResult(a, res)
}
