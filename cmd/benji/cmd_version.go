// cmd/benji/cmd_version.go implements the Version-level subcommands: ls,
// rm, protect, unprotect, label, version-info.
package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/benji-backup/benji/filter"
	"github.com/benji-backup/benji/gc"
	"github.com/benji-backup/benji/metadata"
)

func matchingVersions(ctx context.Context, a *App, exprSrc string) ([]*metadata.Version, error) {
	versions, err := a.Meta.ListVersions(ctx, "")
	if err != nil {
		return nil, err
	}
	if exprSrc == "" {
		return versions, nil
	}
	expr, err := filter.Parse(exprSrc)
	if err != nil {
		return nil, err
	}
	var out []*metadata.Version
	for _, v := range versions {
		ok, err := filter.Match(expr, v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func cmdLs(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	exprSrc := ""
	if fs.NArg() > 0 {
		exprSrc = fs.Arg(0)
	}
	versions, err := matchingVersions(ctx, a, exprSrc)
	if err != nil {
		return err
	}

	return a.emit(versions, func() {
		rows := make([][]string, len(versions))
		for i, v := range versions {
			rows[i] = []string{v.UID, v.Volume, v.Snapshot, string(v.Status),
				fmt.Sprint(v.Protected), v.Date.UTC().Format(time.RFC3339), fmt.Sprint(v.Size)}
		}
		renderTable([]string{"uid", "volume", "snapshot", "status", "protected", "date", "size"}, rows)
	})
}

func cmdRm(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	force := fs.Bool("force", false, "remove even if protected or younger than disallowRemoveWhenYounger")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rm [-force] <version-uid|filter-expression>")
	}

	collector := gc.New(a.Meta, a.Backends, a.Log)
	disallowYounger := time.Duration(a.Cfg.DisallowRemoveWhenYounger) * 24 * time.Hour

	uid := fs.Arg(0)
	if _, err := a.Meta.GetVersion(ctx, uid); err == nil {
		return collector.Remove(ctx, uid, disallowYounger, *force)
	}

	versions, err := matchingVersions(ctx, a, uid)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := collector.Remove(ctx, v.UID, disallowYounger, *force); err != nil {
			a.Log.Error("rm: %s: %v", v.UID, err)
		}
	}
	return nil
}

func setProtected(ctx context.Context, a *App, args []string, protected bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: protect|unprotect <version-uid>")
	}
	return a.Meta.SetVersionProtected(ctx, args[0], protected)
}

func cmdProtect(ctx context.Context, a *App, args []string) error   { return setProtected(ctx, a, args, true) }
func cmdUnprotect(ctx context.Context, a *App, args []string) error { return setProtected(ctx, a, args, false) }

func cmdLabel(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("label", flag.ContinueOnError)
	remove := fs.Bool("rm", false, "remove the named label instead of setting it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: label [-rm] <version-uid> <name>[=value]")
	}
	uid, rest := fs.Arg(0), fs.Arg(1)
	if *remove {
		return a.Meta.DeleteVersionLabel(ctx, uid, rest)
	}
	name, value, _ := cutLabel(rest)
	return a.Meta.SetVersionLabel(ctx, uid, name, value)
}

func cutLabel(s string) (name, value string, hasValue bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// buildVersion and buildDate are set at build time in a full release
// pipeline; defaulted here since this repository has no such pipeline.
var (
	buildVersion = "dev"
	buildDate    = "unknown"
)

func cmdVersionInfo(ctx context.Context, a *App, args []string) error {
	info := struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
		GoVersion string `json:"go_version"`
	}{buildVersion, buildDate, runtime.Version()}

	return a.emit(info, func() {
		fmt.Printf("benji %s (built %s, %s)\n", info.Version, info.BuildDate, info.GoVersion)
	})
}
