package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file looked up when none is named.
const DefaultFile = "annoscan.yaml"

// Config represents the annoscan configuration.
type Config struct {
	Module  ModuleConfig   `yaml:"module"`
	Sources []SourceConfig `yaml:"sources"`
	Scan    ScanConfig     `yaml:"scan"`
	Cache   CacheConfig    `yaml:"cache"`
	Log     LogConfig      `yaml:"log"`
}

// ModuleConfig names the scanned module.
type ModuleConfig struct {
	App  string `yaml:"app"`
	Name string `yaml:"name"`
}

// SourceConfig is one classpath entry. Kind is inferred from the path
// when empty: a .jar or .zip file is a jar, anything else a directory.
type SourceConfig struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Kind     string   `yaml:"kind"`
	Policy   string   `yaml:"policy"`
	Exclude  []string `yaml:"exclude"`
	UseIndex bool     `yaml:"use_index"`
}

// ScanConfig tunes the scanner pool.
type ScanConfig struct {
	Threads    int   `yaml:"threads"`
	MaxThreads int   `yaml:"max_threads"`
	Detail     *bool `yaml:"detail"`
}

// CacheConfig selects and tunes the artifact cache.
type CacheConfig struct {
	Disabled      bool   `yaml:"disabled"`
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	ReadOnly      bool   `yaml:"read_only"`
	AlwaysValid   bool   `yaml:"always_valid"`
	Validate      bool   `yaml:"validate"`
	WriteThreads  int    `yaml:"write_threads"`
	MemoryEntries int    `yaml:"memory_entries"`
	// LogQueries records every annotation query, in the debug log and as a
	// per-session cache artifact.
	LogQueries bool `yaml:"log_queries"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	detail := true
	return &Config{
		Module: ModuleConfig{App: "app", Name: "main"},
		Scan: ScanConfig{
			Threads:    4,
			MaxThreads: 16,
			Detail:     &detail,
		},
		Cache: CacheConfig{
			Backend:       "sqlite",
			Dir:           ".annoscan",
			WriteThreads:  2,
			MemoryEntries: 256,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from file, falling back to defaults.
// If configPath is empty, it looks for annoscan.yaml in the current directory.
// Set fields in the file replace the defaults; unset fields keep them.
func Load(configPath string) (*Config, error) {
	defaults := Default()

	if configPath == "" {
		configPath = DefaultFile
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return nil, err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	defaults.Merge(&fileCfg)
	defaults.resolvePaths(filepath.Dir(configPath))
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return defaults, nil
}

// LoadFromDir loads configuration from the specified directory.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, DefaultFile))
}

// Merge combines another config into this one, with other taking precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Module.App != "" {
		c.Module.App = other.Module.App
	}
	if other.Module.Name != "" {
		c.Module.Name = other.Module.Name
	}
	if len(other.Sources) > 0 {
		c.Sources = other.Sources
	}

	if other.Scan.Threads > 0 {
		c.Scan.Threads = other.Scan.Threads
	}
	if other.Scan.MaxThreads > 0 {
		c.Scan.MaxThreads = other.Scan.MaxThreads
	}
	if other.Scan.Detail != nil {
		c.Scan.Detail = other.Scan.Detail
	}

	// Boolean cache switches default to off, so a set value always wins.
	c.Cache.Disabled = c.Cache.Disabled || other.Cache.Disabled
	c.Cache.ReadOnly = c.Cache.ReadOnly || other.Cache.ReadOnly
	c.Cache.AlwaysValid = c.Cache.AlwaysValid || other.Cache.AlwaysValid
	c.Cache.Validate = c.Cache.Validate || other.Cache.Validate
	c.Cache.LogQueries = c.Cache.LogQueries || other.Cache.LogQueries
	if other.Cache.Backend != "" {
		c.Cache.Backend = other.Cache.Backend
	}
	if other.Cache.Dir != "" {
		c.Cache.Dir = other.Cache.Dir
	}
	if other.Cache.WriteThreads > 0 {
		c.Cache.WriteThreads = other.Cache.WriteThreads
	}
	if other.Cache.MemoryEntries > 0 {
		c.Cache.MemoryEntries = other.Cache.MemoryEntries
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// resolvePaths makes relative source and cache paths relative to the
// directory holding the configuration file.
func (c *Config) resolvePaths(dir string) {
	if dir == "" || dir == "." {
		return
	}
	for i := range c.Sources {
		if c.Sources[i].Path != "" && !filepath.IsAbs(c.Sources[i].Path) {
			c.Sources[i].Path = filepath.Join(dir, c.Sources[i].Path)
		}
	}
	if c.Cache.Dir != "" && !filepath.IsAbs(c.Cache.Dir) {
		c.Cache.Dir = filepath.Join(dir, c.Cache.Dir)
	}
}

// DetailEnabled reports whether member annotations are recorded.
func (c *Config) DetailEnabled() bool {
	return c.Scan.Detail == nil || *c.Scan.Detail
}
