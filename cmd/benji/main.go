// cmd/benji/main.go
//
// Thin flag-package front end dispatching to the packages implementing
// each subcommand, the same hand-rolled flag.NewFlagSet subcommand style
// as _examples/mmp-bk/cmd/rdso/main.go (and, elsewhere in the retrieved corpus,
// fingon-go-tfhfs/tfhfs.go and i5heu-ouroboros-db/cmd/cli/main.go) rather
// than a CLI framework dependency.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

type commandFunc func(ctx context.Context, a *App, args []string) error

var commands = map[string]commandFunc{
	"backup":            cmdBackup,
	"restore":           cmdRestore,
	"ls":                cmdLs,
	"rm":                cmdRm,
	"protect":           cmdProtect,
	"unprotect":         cmdUnprotect,
	"label":             cmdLabel,
	"scrub":             cmdScrub,
	"deep-scrub":        cmdDeepScrub,
	"batch-scrub":       cmdBatchScrub,
	"batch-deep-scrub":  cmdBatchDeepScrub,
	"metadata-export":   cmdMetadataExport,
	"metadata-import":   cmdMetadataImport,
	"metadata-backup":   cmdMetadataBackup,
	"metadata-restore":  cmdMetadataRestore,
	"metadata-ls":       cmdMetadataLs,
	"enforce":           cmdEnforce,
	"storage-stats":     cmdStorageStats,
	"storage-usage":     cmdStorageUsage,
	"cleanup":           cmdCleanup,
	"database-init":     cmdDatabaseInit,
	"database-migrate":  cmdDatabaseMigrate,
	"nbd":               cmdNBD,
	"version-info":      cmdVersionInfo,
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: benji [-c config] [-v] [-d] [-m] <command> [args...]")
	fmt.Fprintln(os.Stderr, "commands:")
	for name := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}

func main() {
	fs := flag.NewFlagSet("benji", flag.ContinueOnError)
	configPath := fs.String("c", "", "configuration file path, overriding the default search order")
	verbose := fs.Bool("v", false, "verbose logging")
	debug := fs.Bool("d", false, "debug logging")
	machine := fs.Bool("m", false, "machine-readable JSON output on stdout")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	args := fs.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	name, rest := args[0], args[1:]

	// version-info never needs a configuration file or a running store.
	if name == "version-info" {
		if err := cmdVersionInfo(context.Background(), &App{Machine: *machine}, rest); err != nil {
			fmt.Fprintln(os.Stderr, "benji:", err)
			os.Exit(1)
		}
		return
	}

	fn, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "benji: unknown command %q\n", name)
		usage()
		os.Exit(2)
	}

	app, err := newApp(*configPath, *verbose, *debug, *machine)
	if err != nil {
		fmt.Fprintln(os.Stderr, "benji:", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := fn(context.Background(), app, rest); err != nil {
		app.Log.Error("benji: %s: %v", name, err)
		os.Exit(1)
	}
}
