// cmd/benji/app.go
//
// App bootstraps one CLI invocation's shared state from the configuration
// file, the same "build everything once at startup, hand it to whichever
// subcommand runs" shape as _examples/mmp-bk/cmd/rdso/main.go's single
// log.NewLogger call,
// generalized to the larger set of objects this repository's subcommands
// share (metadata store, storage backends, transform chains, lock
// manager).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/benji-backup/benji/config"
	"github.com/benji-backup/benji/dedup"
	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/lock"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
	u "github.com/benji-backup/benji/util"
)

type App struct {
	Cfg      *config.Config
	Meta     metadata.Store
	Backends map[string]storage.Backend
	Chains   map[string]transform.Chain
	HashFn   hash.Function
	Locks    *lock.Manager
	History  *dedup.History
	Log      *u.Logger
	Machine  bool
}

func newApp(configPath string, verbose, debug, machine bool) (*App, error) {
	log := u.NewLogger(verbose, debug)
	storage.SetLogger(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	meta, err := cfg.OpenMetadataStore()
	if err != nil {
		return nil, err
	}

	backends, err := cfg.BuildStorages(context.Background())
	if err != nil {
		meta.Close()
		return nil, err
	}

	chains, err := cfg.BuildTransformChains()
	if err != nil {
		meta.Close()
		return nil, err
	}

	hashFn, err := cfg.ResolveHashFunction()
	if err != nil {
		meta.Close()
		return nil, err
	}

	const historySize = 100000
	history, err := dedup.NewHistory(historySize)
	if err != nil {
		meta.Close()
		return nil, err
	}

	owner := fmt.Sprintf("%s:%d", hostname(), os.Getpid())
	return &App{
		Cfg: cfg, Meta: meta, Backends: backends, Chains: chains,
		HashFn: hashFn, Locks: lock.New(meta, owner), History: history,
		Log: log, Machine: machine,
	}, nil
}

func (a *App) Close() {
	a.History.Close()
	a.Meta.Close()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
