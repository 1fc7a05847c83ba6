package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/classindex"
)

// entries is the storage a concrete source exposes to base.
type entries interface {
	// classNames lists the classes of the source in a stable order.
	classNames() ([]string, error)
	// read returns the bytes of a resource path; fs.ErrNotExist if absent.
	read(path string) ([]byte, error)
}

// base implements the scanning half of ClassSource over entries.
type base struct {
	name     string
	policy   Policy
	useIndex bool
	exclude  *ignore.GitIgnore

	store  entries
	index  *classindex.Index
	stamp  string
	opened bool
}

func newBase(opts Options, store entries) base {
	b := base{
		name:     opts.Name,
		policy:   opts.Policy,
		useIndex: opts.UseIndex,
		store:    store,
	}
	if len(opts.Exclude) > 0 {
		b.exclude = ignore.CompileIgnoreLines(opts.Exclude...)
	}
	return b
}

func (b *base) Name() string   { return b.name }
func (b *base) Policy() Policy { return b.policy }

// Indexed reports whether classes are served from a precomputed index.
func (b *base) Indexed() bool { return b.index != nil }

func (b *base) excluded(resource string) bool {
	return b.exclude != nil && b.exclude.MatchesPath(resource)
}

// loadIndex reads the full or sparse index when the source ships one. A
// missing index is not an error.
func (b *base) loadIndex() error {
	b.index = nil
	if !b.useIndex {
		return nil
	}
	for _, format := range []classindex.Format{classindex.Full, classindex.Sparse} {
		data, err := b.store.read(format.Path())
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s index of %s: %w", format, b.name, err)
		}
		ix, err := classindex.Read(bytes.NewReader(data), format)
		if err != nil {
			return fmt.Errorf("decoding %s index of %s: %w", format, b.name, err)
		}
		b.index = ix
		return nil
	}
	return nil
}

func (b *base) ScanClasses(ctx context.Context, s Streamer) error {
	if b.index != nil {
		for _, name := range b.index.Names() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if b.excluded(classfile.ResourcePath(name)) || !s.Want(name) {
				continue
			}
			c, _ := b.index.Lookup(name)
			s.StreamIndexed(c)
		}
		return nil
	}

	names, err := b.store.classNames()
	if err != nil {
		return fmt.Errorf("listing classes of %s: %w", b.name, err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.Want(name) {
			continue
		}
		data, err := b.store.read(classfile.ResourcePath(name))
		if err != nil {
			s.Failed(name, err)
			continue
		}
		s.Stream(name, data)
	}
	return nil
}

func (b *base) ScanSpecificSeedClass(className string, s Streamer) (bool, error) {
	return b.scanOne(className, s)
}

func (b *base) ScanReferencedClass(className string, s Streamer) (bool, error) {
	return b.scanOne(className, s)
}

func (b *base) scanOne(className string, s Streamer) (bool, error) {
	resource := classfile.ResourcePath(className)
	if b.excluded(resource) {
		return false, nil
	}
	if b.index != nil {
		c, ok := b.index.Lookup(className)
		if !ok {
			return false, nil
		}
		s.StreamIndexed(c)
		return true, nil
	}

	data, err := b.store.read(resource)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		s.Failed(className, err)
		return true, nil
	}
	s.Stream(className, data)
	return true, nil
}
