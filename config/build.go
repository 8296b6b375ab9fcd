// config/build.go
//
// Turns a parsed Config into the runtime objects the pipeline/scrub/gc/nbd
// packages operate on: a hash.Function, a set of named storage.Backends,
// and a transform.Chain per storage. Module dispatch by name mirrors the
// teacher's own "pick a concrete backend by a config string" shape in
// cmd/bk/main.go, just generalized to more than one storage kind.
package config

import (
	"context"
	"fmt"

	"github.com/benji-backup/benji/benjierr"
	"github.com/benji-backup/benji/hash"
	"github.com/benji-backup/benji/metadata"
	"github.com/benji-backup/benji/storage"
	"github.com/benji-backup/benji/transform"
)

// ResolveHashFunction resolves the configured hash function, defaulting per
// applyDefaults to BLAKE2b-256.
func (c *Config) ResolveHashFunction() (hash.Function, error) {
	fn, err := hash.Parse(c.HashFunction)
	if err != nil {
		return nil, benjierr.New(benjierr.ConfigError, "config.HashFunction", err)
	}
	return fn, nil
}

// OpenMetadataStore dispatches databaseEngine to a metadata.Store. Only the
// two engines the rest of this repository implements are recognized:
// sqlite (database/sql, the default) and memory (badger v4, for
// database-less or throwaway runs).
func (c *Config) OpenMetadataStore() (metadata.Store, error) {
	engine := c.DatabaseEngine
	if engine == "" {
		engine = "sqlite:///var/lib/benji/benji.sqlite"
	}
	switch {
	case engine == "memory://" || engine == "memory":
		return metadata.NewInMemoryStore()
	case len(engine) >= len("sqlite://") && engine[:len("sqlite://")] == "sqlite://":
		path := engine[len("sqlite://"):]
		return metadata.OpenSQLite(path)
	default:
		return nil, benjierr.New(benjierr.ConfigError, "config.OpenMetadataStore",
			fmt.Errorf("unrecognized databaseEngine %q", engine))
	}
}

// BuildStorages constructs every configured storage entry's Backend, keyed
// by its config name. ctx is only consulted by cloud-backed modules.
func (c *Config) BuildStorages(ctx context.Context) (map[string]storage.Backend, error) {
	backends := make(map[string]storage.Backend, len(c.Storages))
	for _, entry := range c.Storages {
		backend, err := buildStorage(ctx, entry)
		if err != nil {
			return nil, benjierr.New(benjierr.ConfigError, "config.BuildStorages", fmt.Errorf("%s: %w", entry.Name, err))
		}
		backends[entry.Name] = backend
	}
	return backends, nil
}

func buildStorage(ctx context.Context, entry ModuleEntry) (storage.Backend, error) {
	cfg := entry.Configuration
	var backend storage.Backend
	var err error

	switch entry.Module {
	case "file":
		root := stringOpt(cfg, "path")
		if root == "" {
			return nil, fmt.Errorf("file storage requires a path")
		}
		if boolOpt(cfg, "bitrot") {
			backend, err = storage.NewBitrotProtectedFile(root, storage.BitrotOptions{
				NDataShards:   int(intOpt(cfg, "dataShards")),
				NParityShards: int(intOpt(cfg, "parityShards")),
				HashRate:      intOpt(cfg, "hashRate"),
			})
		} else {
			backend, err = storage.NewFile(root)
		}
	case "memory":
		backend = storage.NewMemory()
	case "s3", "b2":
		backend, err = storage.NewCloud(ctx, storage.CloudOptions{
			BucketName:                stringOpt(cfg, "bucketName"),
			ProjectID:                  stringOpt(cfg, "projectId"),
			Location:                   stringOpt(cfg, "location"),
			MaxUploadBytesPerSecond:    int(intOpt(cfg, "maxUploadBytesPerSecond")),
			MaxDownloadBytesPerSecond:  int(intOpt(cfg, "maxDownloadBytesPerSecond")),
		})
	default:
		return nil, fmt.Errorf("unknown storage module %q", entry.Module)
	}
	if err != nil {
		return nil, err
	}

	if key := stringOpt(cfg, "hmacKey"); key != "" {
		backend = storage.NewHMACSigned(backend, []byte(key))
	}
	if bytes := intOpt(cfg, "maximumCacheBytes"); bytes > 0 {
		backend, err = storage.NewCached(backend, bytes)
		if err != nil {
			return nil, err
		}
	}
	return backend, nil
}

// BuildTransformChains resolves the configured transform list for every
// storage into a transform.Chain, keyed by storage name. Each storage's
// configuration may list "transforms": [name, ...] referencing entries in
// Config.Transforms; a storage with no transforms entry gets a nil
// (pass-through) Chain.
func (c *Config) BuildTransformChains() (map[string]transform.Chain, error) {
	byName := make(map[string]ModuleEntry, len(c.Transforms))
	for _, t := range c.Transforms {
		byName[t.Name] = t
	}

	chains := make(map[string]transform.Chain, len(c.Storages))
	for _, s := range c.Storages {
		names := stringSlice(s.Configuration["transforms"])
		if len(names) == 0 {
			chains[s.Name] = nil
			continue
		}
		moduleNames := make([]string, 0, len(names))
		var tcfg transform.Config
		for _, n := range names {
			entry, ok := byName[n]
			if !ok {
				return nil, benjierr.New(benjierr.ConfigError, "config.BuildTransformChains",
					fmt.Errorf("%s: unknown transform %q", s.Name, n))
			}
			moduleNames = append(moduleNames, entry.Module)
			applyTransformConfig(&tcfg, entry.Configuration)
		}
		chain, err := transform.BuildChain(moduleNames, tcfg)
		if err != nil {
			return nil, benjierr.New(benjierr.ConfigError, "config.BuildTransformChains", fmt.Errorf("%s: %w", s.Name, err))
		}
		chains[s.Name] = chain
	}
	return chains, nil
}

func applyTransformConfig(tcfg *transform.Config, cfg map[string]interface{}) {
	if level := intOpt(cfg, "level"); level != 0 {
		tcfg.ZstdLevel = int(level)
	}
	if key := stringOpt(cfg, "masterKey"); key != "" {
		tcfg.MasterKey = []byte(key)
	}
	if key := stringOpt(cfg, "eccPrivateKey"); key != "" {
		tcfg.ECCPrivateKey = []byte(key)
	}
	if key := stringOpt(cfg, "eccPublicKey"); key != "" {
		tcfg.ECCPublicKey = []byte(key)
	}
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
