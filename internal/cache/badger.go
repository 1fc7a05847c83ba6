package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists artifacts in BadgerDB.
//
// Safe for concurrent use. BadgerDB handles its own concurrency control.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens a BadgerDB rooted at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	if logger != nil {
		logger.Debug("badger cache opened", slog.String("dir", dir), slog.Bool("in_memory", dir == ""))
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an opened database. Close closes db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) Get(_ context.Context, key Key) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.bytes())
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func (s *BadgerStore) Put(_ context.Context, key Key, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.bytes(), data)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Has(_ context.Context, key Key) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key.bytes())
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing %s: %w", key, err)
	}
	return true, nil
}

func (s *BadgerStore) Delete(_ context.Context, key Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.bytes())
	})
}

// Keys lists the keys stored under module, in key order.
func (s *BadgerStore) Keys(module string) ([]Key, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	prefix := []byte(module + "\x00")
	var keys []Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if k, ok := parseKey(it.Item().KeyCopy(nil)); ok {
				keys = append(keys, k)
			}
		}
		return nil
	})
	return keys, err
}

func parseKey(b []byte) (Key, bool) {
	var parts [3][]byte
	n := 0
	start := 0
	for i, c := range b {
		if c == 0 && n < 2 {
			parts[n] = b[start:i]
			n++
			start = i + 1
		}
	}
	if n != 2 {
		return Key{}, false
	}
	parts[2] = b[start:]
	return Key{Module: string(parts[0]), Kind: Kind(parts[1]), Name: string(parts[2])}, true
}
