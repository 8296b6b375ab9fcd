// config/config.go
//
// Loads the single YAML configuration document spec.md §6/§12 describes,
// the same gopkg.in/yaml.v2 approach i5heu-ouroboros-db's internal/config
// package uses, generalized from one flat struct to the nested
// ios/storages/transforms module-entry lists this repository needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/benji-backup/benji/benjierr"
)

// ModuleEntry names a configured io/storage/transform instance: module
// picks the implementation, name is how other config sections and the CLI
// refer back to it, and configuration carries whatever free-form keys that
// module needs (master keys, bucket names, cache sizes, ...).
type ModuleEntry struct {
	Name          string                 `yaml:"name"`
	Module        string                 `yaml:"module"`
	Configuration map[string]interface{} `yaml:"configuration"`
}

// NBDConfig carries the nbd subcommand's listen address, per spec.md §4.13.
type NBDConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

// Config mirrors the top-level keys spec.md §6 recognizes.
type Config struct {
	ConfigurationVersion int    `yaml:"configurationVersion"`
	LogFile              string `yaml:"logFile"`
	BlockSize             int64 `yaml:"blockSize"`
	HashFunction          string `yaml:"hashFunction"`
	ProcessName           string `yaml:"processName"`
	// DisallowRemoveWhenYounger is in days.
	DisallowRemoveWhenYounger int `yaml:"disallowRemoveWhenYounger"`
	// DatabaseEngine is a connection URL; only the sqlite:// and
	// memory:// (badger-backed) forms are recognized, see build.go.
	DatabaseEngine string `yaml:"databaseEngine"`

	IOs            []ModuleEntry `yaml:"ios"`
	Storages       []ModuleEntry `yaml:"storages"`
	DefaultStorage string        `yaml:"defaultStorage"`
	Transforms     []ModuleEntry `yaml:"transforms"`

	NBD NBDConfig `yaml:"nbd"`
}

const supportedConfigurationVersion = 1

const (
	defaultBlockSize                 = 4 * 1024 * 1024
	defaultHashFunction              = "BLAKE2b,digest_bits=256"
	defaultDisallowRemoveWhenYounger = 6
)

// SearchPaths is the location search order spec.md §6 specifies, in
// priority order; the first one that exists wins when no explicit path is
// given to Load.
func SearchPaths() []string {
	paths := []string{"/etc/benji.yaml", "/etc/benji/benji.yaml"}
	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(home, ".benji.yaml"), filepath.Join(home, "benji.yaml"))
	}
	return paths
}

// Load reads and validates the configuration. explicitPath overrides the
// search order (the CLI's -c flag); an empty string falls back to
// SearchPaths, using the first path that exists.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		for _, candidate := range SearchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil, benjierr.New(benjierr.ConfigError, "config.Load", fmt.Errorf("no configuration file found in %v", SearchPaths()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, benjierr.New(benjierr.ConfigError, "config.Load", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, benjierr.New(benjierr.ConfigError, "config.Load", fmt.Errorf("%s: %w", path, err))
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, benjierr.New(benjierr.ConfigError, "config.Load", fmt.Errorf("%s: %w", path, err))
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.HashFunction == "" {
		c.HashFunction = defaultHashFunction
	}
	if c.DisallowRemoveWhenYounger == 0 {
		c.DisallowRemoveWhenYounger = defaultDisallowRemoveWhenYounger
	}
}

func (c *Config) validate() error {
	if c.ConfigurationVersion != supportedConfigurationVersion {
		return fmt.Errorf("configurationVersion %d unsupported, expected %d", c.ConfigurationVersion, supportedConfigurationVersion)
	}
	if len(c.Storages) == 0 {
		return fmt.Errorf("at least one storage entry is required")
	}
	if c.DefaultStorage == "" {
		c.DefaultStorage = c.Storages[0].Name
	}
	found := false
	for _, s := range c.Storages {
		if s.Name == c.DefaultStorage {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("defaultStorage %q does not match any configured storage", c.DefaultStorage)
	}
	return nil
}

// Storage looks up a configured storage entry by name.
func (c *Config) Storage(name string) (ModuleEntry, bool) {
	for _, s := range c.Storages {
		if s.Name == name {
			return s, true
		}
	}
	return ModuleEntry{}, false
}

func stringOpt(cfg map[string]interface{}, key string) string {
	v, _ := cfg[key].(string)
	return v
}

func intOpt(cfg map[string]interface{}, key string) int64 {
	switch v := cfg[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func boolOpt(cfg map[string]interface{}, key string) bool {
	v, _ := cfg[key].(bool)
	return v
}
