// cmd/benji/cmd_restore.go implements the `restore` subcommand (spec.md
// §4.7).
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/benji-backup/benji/dedup"
	"github.com/benji-backup/benji/pipeline"
)

func cmdRestore(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	sparse := fs.Bool("sparse", true, "skip writing known-sparse regions to the destination")
	force := fs.Bool("force", false, "overwrite an existing destination")
	databaseLess := fs.Bool("database-less", false, "restore from the Storage-embedded version-metadata object, without the metadata store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: restore [flags] <version-uid> <destination-uri>")
	}
	versionUID, dest := fs.Arg(0), fs.Arg(1)

	engine := pipeline.New(a.Meta, a.Backends, a.Chains, a.HashFn, dedup.New(a.Meta), a.History, a.Log)
	res, err := engine.Restore(ctx, pipeline.RestoreOptions{
		VersionUID: versionUID, DestinationURI: dest, Sparse: *sparse,
		Force: *force, DatabaseLess: *databaseLess,
	})
	if err != nil {
		return err
	}

	return a.emit(res, func() {
		renderTable([]string{"bytes_read", "bytes_written", "bytes_sparse", "checksum_errors"},
			[][]string{{fmt.Sprint(res.BytesRead), fmt.Sprint(res.BytesWritten),
				fmt.Sprint(res.BytesSparse), fmt.Sprint(res.ChecksumErrors)}})
	})
}
