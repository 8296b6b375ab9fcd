// cmd/benji/cmd_nbd.go implements the `nbd` subcommand (spec.md §4.13),
// serving Versions as NBD exports named by their UID.
package main

import (
	"context"
	"flag"

	"github.com/benji-backup/benji/nbd"
)

func cmdNBD(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("nbd", flag.ContinueOnError)
	addr := fs.String("listen", a.Cfg.NBD.ListenAddress, "address to listen on")
	readOnly := fs.Bool("read-only", false, "serve every export read-only")
	cowDir := fs.String("cow-dir", "", "directory for copy-on-write overlays of exports opened read-write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lookup := func(ctx context.Context, name string) (*nbd.Export, error) {
		return nbd.NewExport(ctx, a.Meta, a.Backends, a.Chains, a.HashFn, name, *readOnly, *cowDir, a.Log)
	}

	srv := nbd.NewServer(lookup, a.Log)
	return srv.ListenAndServe(ctx, *addr)
}
