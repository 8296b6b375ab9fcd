// cmd/benji/cmd_metadata.go implements metadata-export, metadata-import,
// metadata-backup, metadata-restore, and metadata-ls (spec.md §4.4, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/benji-backup/benji/dedup"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/pipeline"
)

func cmdMetadataExport(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("metadata-export", flag.ContinueOnError)
	out := fs.String("output", "", "write to this path instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: metadata-export [-output path] <version-uid>")
	}

	doc, err := metadata.ExportVersion(ctx, a.Meta, fs.Arg(0))
	if err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}

func cmdMetadataImport(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("metadata-import", flag.ContinueOnError)
	in := fs.String("input", "", "read from this path instead of stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var data []byte
	var err error
	if *in == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*in)
	}
	if err != nil {
		return err
	}

	doc, err := metadata.UnmarshalDocument(data)
	if err != nil {
		return err
	}
	return metadata.ImportDocument(ctx, a.Meta, doc)
}

func newPipelineEngine(a *App) *pipeline.Engine {
	return pipeline.New(a.Meta, a.Backends, a.Chains, a.HashFn, dedup.New(a.Meta), a.History, a.Log)
}

func cmdMetadataBackup(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("metadata-backup", flag.ContinueOnError)
	storageName := fs.String("storage", a.Cfg.DefaultStorage, "storage to write the version-metadata object to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: metadata-backup [-storage name] <version-uid>")
	}
	return newPipelineEngine(a).BackupVersionMetadata(ctx, *storageName, fs.Arg(0))
}

func cmdMetadataRestore(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("metadata-restore", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: metadata-restore <version-uid>")
	}
	doc, err := newPipelineEngine(a).FetchVersionMetadataDocument(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return metadata.ImportDocument(ctx, a.Meta, doc)
}

func cmdMetadataLs(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("metadata-ls", flag.ContinueOnError)
	storageName := fs.String("storage", a.Cfg.DefaultStorage, "storage to list version-metadata objects on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	backend, ok := a.Backends[*storageName]
	if !ok {
		return fmt.Errorf("unknown storage %q", *storageName)
	}
	names, err := backend.ListNamed("version-metadata/")
	if err != nil {
		return err
	}
	return a.emit(names, func() {
		rows := make([][]string, len(names))
		for i, n := range names {
			rows[i] = []string{n}
		}
		renderTable([]string{"object"}, rows)
	})
}
