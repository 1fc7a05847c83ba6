package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/abramin/annoscan/internal/cache"
	"github.com/abramin/annoscan/internal/index"
	"github.com/abramin/annoscan/internal/scanner"
	"github.com/abramin/annoscan/internal/source"
)

// Source kinds.
const (
	KindDir = "dir"
	KindJar = "jar"
)

// Validate checks the source list and enumerated fields.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: path is required", i))
			continue
		}
		name := s.DisplayName()
		if seen[name] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate source name %q", i, name))
		}
		seen[name] = true
		if _, err := source.ParsePolicy(s.policyOrDefault()); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
		}
		if k := s.KindOf(); k != KindDir && k != KindJar {
			errs = append(errs, fmt.Errorf("sources[%d]: unknown kind %q", i, s.Kind))
		}
	}
	if _, err := cache.ParseBackend(c.Cache.Backend); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DisplayName returns the configured name, or the path when none is set.
func (s SourceConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.ToSlash(s.Path)
}

// KindOf returns the configured kind or the one implied by the path.
func (s SourceConfig) KindOf() string {
	if s.Kind != "" {
		return strings.ToLower(s.Kind)
	}
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".jar", ".zip", ".war":
		return KindJar
	}
	return KindDir
}

func (s SourceConfig) policyOrDefault() string {
	if s.Policy == "" {
		return "seed"
	}
	return s.Policy
}

// NewSource builds the class source s describes.
func (s SourceConfig) NewSource() (source.ClassSource, error) {
	policy, err := source.ParsePolicy(s.policyOrDefault())
	if err != nil {
		return nil, err
	}
	opts := source.Options{
		Name:     s.DisplayName(),
		Path:     s.Path,
		Policy:   policy,
		Exclude:  s.Exclude,
		UseIndex: s.UseIndex,
	}
	switch s.KindOf() {
	case KindJar:
		return source.NewJar(opts), nil
	case KindDir:
		return source.NewDir(opts), nil
	}
	return nil, fmt.Errorf("source %s: unknown kind %q", opts.Name, s.Kind)
}

// ModuleName is the name the index and its cache artifacts use.
func (c *Config) ModuleName() string {
	return c.Module.App + "#" + c.Module.Name
}

// ScanOptions returns the scanner tuning.
func (c *Config) ScanOptions() scanner.Options {
	return scanner.Options{
		Threads:    c.Scan.Threads,
		MaxThreads: c.Scan.MaxThreads,
		Detail:     c.DetailEnabled(),
	}
}

// CacheOptions returns the artifact cache switches.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Disabled:     c.Cache.Disabled,
		ReadOnly:     c.Cache.ReadOnly,
		AlwaysValid:  c.Cache.AlwaysValid,
		Validate:     c.Cache.Validate,
		WriteThreads: c.Cache.WriteThreads,
	}
}

// OpenArtifacts opens the configured cache backend. A disabled cache
// returns artifacts without a store and a no-op closer.
func (c *Config) OpenArtifacts(logger *slog.Logger) (*cache.Artifacts, io.Closer, error) {
	opts := c.CacheOptions()
	if opts.Disabled {
		return cache.NewArtifacts(nil, c.ModuleName(), opts, logger), nopCloser{}, nil
	}
	backend, err := cache.ParseBackend(c.Cache.Backend)
	if err != nil {
		return nil, nil, err
	}
	st, err := cache.Open(backend, c.Cache.Dir, c.Cache.MemoryEntries, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s cache in %s: %w", backend, c.Cache.Dir, err)
	}
	return cache.NewArtifacts(st, c.ModuleName(), opts, logger), st, nil
}

// NewIndex builds an index with its root and every configured source
// attached. The returned closer flushes the query log and releases the
// cache store.
func (c *Config) NewIndex(logger *slog.Logger) (*index.Targets, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	artifacts, closer, err := c.OpenArtifacts(logger)
	if err != nil {
		return nil, nil, err
	}
	opts := index.Options{Scan: c.ScanOptions(), Artifacts: artifacts}
	if c.Cache.LogQueries {
		opts.Queries = index.NewQueryLog(logger)
	}
	t := index.New(opts, logger)
	if err := t.AttachRoot(c.Module.App, c.Module.Name); err != nil {
		closer.Close()
		return nil, nil, err
	}
	for _, sc := range c.Sources {
		src, err := sc.NewSource()
		if err == nil {
			err = t.AddSource(src)
		}
		if err != nil {
			closer.Close()
			return nil, nil, err
		}
	}
	return t, &indexCloser{idx: t, store: closer, logger: logger}, nil
}

// indexCloser flushes the query log before releasing the cache store.
type indexCloser struct {
	idx    *index.Targets
	store  io.Closer
	logger *slog.Logger
}

func (c *indexCloser) Close() error {
	if err := c.idx.FlushQueries(context.Background()); err != nil {
		c.logger.Warn("writing query log failed", slog.String("error", err.Error()))
	}
	return c.store.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
