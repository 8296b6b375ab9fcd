// cmd/benji/cmd_enforce.go implements the `enforce` subcommand (spec.md
// §4.10), applying a retention policy per Version name and removing
// everything the policy does not keep.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/benji-backup/benji/gc"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/retention"
)

func cmdEnforce(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("enforce", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would be removed without removing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: enforce [-dry-run] <policy> <volume>")
	}
	policySrc, volume := fs.Arg(0), fs.Arg(1)

	policy, err := retention.ParsePolicy(policySrc)
	if err != nil {
		return err
	}

	versions, err := a.Meta.ListVersions(ctx, volume)
	if err != nil {
		return err
	}
	byVolume := groupByVolume(versions)

	disallowYounger := time.Duration(a.Cfg.DisallowRemoveWhenYounger) * 24 * time.Hour
	collector := gc.New(a.Meta, a.Backends, a.Log)

	type outcome struct {
		UID     string `json:"uid"`
		Volume  string `json:"volume"`
		Kept    bool   `json:"kept"`
		Removed bool   `json:"removed"`
		Error   string `json:"error,omitempty"`
	}
	var outcomes []outcome

	for vol, vs := range byVolume {
		keep := retention.Select(retention.FromVersions(vs), policy, time.Now(), time.Local, disallowYounger)
		for _, v := range vs {
			o := outcome{UID: v.UID, Volume: vol, Kept: keep[v.UID]}
			if o.Kept || *dryRun {
				outcomes = append(outcomes, o)
				continue
			}
			if err := collector.Remove(ctx, v.UID, disallowYounger, false); err != nil {
				o.Error = err.Error()
			} else {
				o.Removed = true
			}
			outcomes = append(outcomes, o)
		}
	}

	return a.emit(outcomes, func() {
		rows := make([][]string, len(outcomes))
		for i, o := range outcomes {
			rows[i] = []string{o.UID, o.Volume, fmt.Sprint(o.Kept), fmt.Sprint(o.Removed), o.Error}
		}
		renderTable([]string{"uid", "volume", "kept", "removed", "error"}, rows)
	})
}

func groupByVolume(versions []*metadata.Version) map[string][]*metadata.Version {
	out := map[string][]*metadata.Version{}
	for _, v := range versions {
		out[v.Volume] = append(out[v.Volume], v)
	}
	return out
}
