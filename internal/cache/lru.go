package cache

import (
	"bytes"
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached fronts a Store with an in-memory LRU of recently used artifacts.
// Writes go through to the backing store.
type Cached struct {
	Store
	recent *lru.Cache[Key, []byte]
}

// NewCached wraps st with an LRU holding up to entries artifacts.
func NewCached(st Store, entries int) (*Cached, error) {
	recent, err := lru.New[Key, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("creating artifact lru: %w", err)
	}
	return &Cached{Store: st, recent: recent}, nil
}

func (c *Cached) Get(ctx context.Context, key Key) ([]byte, error) {
	if d, ok := c.recent.Get(key); ok {
		return bytes.Clone(d), nil
	}
	d, err := c.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.recent.Add(key, bytes.Clone(d))
	return d, nil
}

func (c *Cached) Put(ctx context.Context, key Key, data []byte) error {
	if err := c.Store.Put(ctx, key, data); err != nil {
		c.recent.Remove(key)
		return err
	}
	c.recent.Add(key, bytes.Clone(data))
	return nil
}

func (c *Cached) Has(ctx context.Context, key Key) (bool, error) {
	if c.recent.Contains(key) {
		return true, nil
	}
	return c.Store.Has(ctx, key)
}

func (c *Cached) Delete(ctx context.Context, key Key) error {
	c.recent.Remove(key)
	return c.Store.Delete(ctx, key)
}

func (c *Cached) Close() error {
	c.recent.Purge()
	return c.Store.Close()
}

// Resident reports how many artifacts the front currently holds.
func (c *Cached) Resident() int { return c.recent.Len() }
