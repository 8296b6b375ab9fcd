// cmd/benji/cmd_gc.go implements cleanup and the storage-stats/
// storage-usage introspection commands (spec.md §4.9).
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/benji-backup/benji/gc"
)

func cmdCleanup(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	full := fs.Bool("full", false, "run a full orphan sweep instead of the deletion-candidate queue")
	storageName := fs.String("storage", a.Cfg.DefaultStorage, "storage to sweep, with -full")
	grace := fs.Duration("grace", gc.DefaultGraceWindow, "grace period before a deletion candidate is physically removed")
	parallel := fs.Int("parallel", 1, "simultaneous removals")
	if err := fs.Parse(args); err != nil {
		return err
	}

	collector := gc.New(a.Meta, a.Backends, a.Log)
	if *full {
		removed, err := collector.FullSweep(ctx, *storageName)
		if err != nil {
			return err
		}
		return a.emit(removed, func() { fmt.Printf("removed %d orphaned objects\n", removed) })
	}

	removed, err := collector.Cleanup(ctx, *grace, *parallel)
	if err != nil {
		return err
	}
	return a.emit(removed, func() { fmt.Printf("removed %d objects\n", removed) })
}

func cmdStorageStats(ctx context.Context, a *App, args []string) error {
	type stat struct {
		Storage string `json:"storage"`
		Objects int    `json:"objects"`
	}
	var stats []stat
	for name, backend := range a.Backends {
		it, err := backend.List()
		if err != nil {
			return err
		}
		count := 0
		for {
			_, ok, err := it.Next()
			if err != nil {
				it.Close()
				return err
			}
			if !ok {
				break
			}
			count++
		}
		it.Close()
		stats = append(stats, stat{Storage: name, Objects: count})
	}

	return a.emit(stats, func() {
		rows := make([][]string, len(stats))
		for i, s := range stats {
			rows[i] = []string{s.Storage, fmt.Sprint(s.Objects)}
		}
		renderTable([]string{"storage", "objects"}, rows)
	})
}

func cmdStorageUsage(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("storage-usage", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	volume := ""
	if fs.NArg() > 0 {
		volume = fs.Arg(0)
	}
	versions, err := a.Meta.ListVersions(ctx, volume)
	if err != nil {
		return err
	}

	type usage struct {
		Volume            string `json:"volume"`
		Versions          int    `json:"versions"`
		BytesWritten      int64  `json:"bytes_written"`
		BytesDeduplicated int64  `json:"bytes_deduplicated"`
		BytesSparse       int64  `json:"bytes_sparse"`
	}
	byVolume := map[string]*usage{}
	for _, v := range versions {
		u, ok := byVolume[v.Volume]
		if !ok {
			u = &usage{Volume: v.Volume}
			byVolume[v.Volume] = u
		}
		u.Versions++
		u.BytesWritten += v.BytesWritten
		u.BytesDeduplicated += v.BytesDeduplicated
		u.BytesSparse += v.BytesSparse
	}
	out := make([]*usage, 0, len(byVolume))
	for _, u := range byVolume {
		out = append(out, u)
	}

	return a.emit(out, func() {
		rows := make([][]string, len(out))
		for i, u := range out {
			rows[i] = []string{u.Volume, fmt.Sprint(u.Versions), fmt.Sprint(u.BytesWritten),
				fmt.Sprint(u.BytesDeduplicated), fmt.Sprint(u.BytesSparse)}
		}
		renderTable([]string{"volume", "versions", "bytes_written", "bytes_deduplicated", "bytes_sparse"}, rows)
	})
}
