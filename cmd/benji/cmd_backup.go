// cmd/benji/cmd_backup.go implements the `backup` subcommand (spec.md
// §4.6).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/benji-backup/benji/dedup"
	"github.com/benji-backup/benji/ioadapter"
	"github.com/benji-backup/benji/lock"
	"github.com/benji-backup/benji/pipeline"
)

// hintRegionJSON matches spec.md §6's hints file format:
// {"offset": <int>, "length": <int>, "exists": "true"|"false"}.
type hintRegionJSON struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Exists string `json:"exists"`
}

func loadHints(path string) (ioadapter.Hints, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hints: %w", err)
	}
	var raw []hintRegionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("hints: %w", err)
	}
	regions := make([]ioadapter.HintRegion, len(raw))
	for i, r := range raw {
		regions[i] = ioadapter.HintRegion{Offset: r.Offset, Length: r.Length, Used: r.Exists == "true"}
	}
	return ioadapter.NewSliceHints(regions), nil
}

// labelFlags accumulates repeated -label name=value flags.
type labelFlags map[string]string

func (l labelFlags) String() string { return "" }

func (l labelFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("label %q must be name=value", s)
	}
	l[name] = value
	return nil
}

func cmdBackup(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	storageName := fs.String("storage", a.Cfg.DefaultStorage, "storage to write to")
	base := fs.String("base", "", "base version UID for a differential backup")
	hintsPath := fs.String("hints", "", "path to a hints JSON file (spec.md hints file format)")
	blockSize := fs.Int64("block-size", a.Cfg.BlockSize, "block size in bytes")
	snapshot := fs.String("snapshot", "", "snapshot name recorded on the Version")
	labels := make(labelFlags)
	fs.Var(labels, "label", "name=value, may be repeated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: backup [flags] <source-uri> <volume>")
	}
	sourceURI, volume := fs.Arg(0), fs.Arg(1)

	hints, err := loadHints(*hintsPath)
	if err != nil {
		return err
	}

	handle, err := a.Locks.AcquireShared(ctx, lock.StorageScope(*storageName), "backup")
	if err != nil {
		return err
	}
	defer handle.Release(ctx)

	engine := pipeline.New(a.Meta, a.Backends, a.Chains, a.HashFn, dedup.New(a.Meta), a.History, a.Log)
	v, err := engine.Backup(ctx, pipeline.BackupOptions{
		SourceURI: sourceURI, VolumeName: volume, Snapshot: *snapshot,
		StorageName: *storageName, BlockSize: *blockSize,
		BaseVersionUID: *base, Hints: hints, Labels: labels,
	})
	if err != nil {
		return err
	}

	return a.emit(v, func() {
		renderTable([]string{"uid", "volume", "size", "status", "bytes_written", "bytes_deduplicated", "bytes_sparse"},
			[][]string{{v.UID, v.Volume, fmt.Sprint(v.Size), string(v.Status),
				fmt.Sprint(v.BytesWritten), fmt.Sprint(v.BytesDeduplicated), fmt.Sprint(v.BytesSparse)}})
	})
}
