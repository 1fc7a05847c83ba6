// Package cache persists scan artifacts between runs and decides whether a
// cached artifact may stand in for a fresh scan.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("cache store closed")
	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("cache entry not found")
)

// Kind names one family of cached artifacts.
type Kind string

const (
	KindContainers Kind = "containers"
	KindTargets    Kind = "targets"
	KindResolved   Kind = "resolved"
	KindUnresolved Kind = "unresolved"
	KindClassTable Kind = "classes"
	// KindQueries holds the query log of one scan session. It is never
	// consulted by a scan.
	KindQueries Kind = "queries"
)

// Key addresses one cached artifact. Module groups the artifacts of one
// application module; Name is the source name for per-source artifacts.
type Key struct {
	Module string
	Kind   Kind
	Name   string
}

func (k Key) String() string {
	return k.Module + "/" + string(k.Kind) + "/" + k.Name
}

// bytes is the flat key used by key-value backends.
func (k Key) bytes() []byte {
	return []byte(k.Module + "\x00" + string(k.Kind) + "\x00" + k.Name)
}

// Store is a byte-oriented artifact store.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Put(ctx context.Context, key Key, data []byte) error
	Has(ctx context.Context, key Key) (bool, error)
	Delete(ctx context.Context, key Key) error
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
	BackendMemory Backend = "memory"
)

// ParseBackend accepts the names used in configuration files.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendSQLite, BackendBadger, BackendMemory:
		return b, nil
	case "":
		return BackendSQLite, nil
	}
	return "", fmt.Errorf("unknown cache backend %q", s)
}

// Open opens the backend rooted at dir. A positive entries wraps the store
// in an in-memory LRU front.
func Open(backend Backend, dir string, entries int, logger *slog.Logger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch backend {
	case BackendSQLite, "":
		st, err = OpenSQLite(dir)
	case BackendBadger:
		st, err = OpenBadger(filepath.Join(dir, "badger"), logger)
	case BackendMemory:
		st = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	if entries > 0 {
		return NewCached(st, entries)
	}
	return st, nil
}
