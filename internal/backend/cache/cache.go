// Package cache implements the CachingBackendWrapper decorator: a
// two-tier content cache (in-process LRU on bytes, optional shared Redis
// cache for cross-process hits) that wraps any backend.Backend without
// changing its observable semantics beyond latency, per spec.md §4.2.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexi-lab/nexus/internal/backend"
)

// WriteStrategy selects what a write does to the cache.
type WriteStrategy int

const (
	// WriteAround invalidates the entry on write (default).
	WriteAround WriteStrategy = iota
	// WriteThrough populates the cache with the freshly written content.
	WriteThrough
)

// Config configures the wrapper.
type Config struct {
	MaxBytes      int64
	Strategy      WriteStrategy
	RedisClient   *redis.Client // nil disables the shared L2 tier
	SharedTTL     time.Duration
}

// Wrapper decorates a backend.Backend with the two-tier cache.
type Wrapper struct {
	inner  backend.Backend
	cfg    Config
	lru    *lru
}

// New wraps inner with a caching layer configured by cfg.
func New(inner backend.Backend, cfg Config) *Wrapper {
	if cfg.SharedTTL == 0 {
		cfg.SharedTTL = 10 * time.Minute
	}
	return &Wrapper{inner: inner, cfg: cfg, lru: newLRU(cfg.MaxBytes)}
}

func (w *Wrapper) ReadContent(ctx context.Context, hash string) ([]byte, error) {
	if data, ok := w.lru.get(hash); ok {
		return data, nil
	}
	if w.cfg.RedisClient != nil {
		if data, err := w.cfg.RedisClient.Get(ctx, redisKey(hash)).Bytes(); err == nil {
			w.lru.put(hash, data)
			return data, nil
		}
		// Any cache fault — including redis.Nil — falls through to the
		// inner backend; a cache miss must never reduce correctness.
	}

	data, err := w.inner.ReadContent(ctx, hash)
	if err != nil {
		return nil, err
	}
	w.lru.put(hash, data)
	if w.cfg.RedisClient != nil {
		w.cfg.RedisClient.Set(ctx, redisKey(hash), data, w.cfg.SharedTTL)
	}
	return data, nil
}

func (w *Wrapper) WriteContent(ctx context.Context, data []byte) (string, error) {
	hash, err := w.inner.WriteContent(ctx, data)
	if err != nil {
		return "", err
	}
	switch w.cfg.Strategy {
	case WriteThrough:
		w.lru.put(hash, data)
		if w.cfg.RedisClient != nil {
			w.cfg.RedisClient.Set(ctx, redisKey(hash), data, w.cfg.SharedTTL)
		}
	default: // WriteAround
		w.invalidate(ctx, hash)
	}
	return hash, nil
}

func (w *Wrapper) DeleteContent(ctx context.Context, hash string) error {
	err := w.inner.DeleteContent(ctx, hash)
	w.invalidate(ctx, hash)
	return err
}

func (w *Wrapper) invalidate(ctx context.Context, hash string) {
	w.lru.remove(hash)
	if w.cfg.RedisClient != nil {
		w.cfg.RedisClient.Del(ctx, redisKey(hash))
	}
}

func redisKey(hash string) string { return "nexus:content:" + hash }

func (w *Wrapper) ContentExists(ctx context.Context, hash string) (bool, error) {
	return w.inner.ContentExists(ctx, hash)
}
func (w *Wrapper) GetContentSize(ctx context.Context, hash string) (int64, error) {
	return w.inner.GetContentSize(ctx, hash)
}
func (w *Wrapper) GetRefCount(ctx context.Context, hash string) (int64, error) {
	return w.inner.GetRefCount(ctx, hash)
}
func (w *Wrapper) BatchReadContent(ctx context.Context, hashes []string) (map[string][]byte, error) {
	return w.inner.BatchReadContent(ctx, hashes)
}
func (w *Wrapper) Mkdir(ctx context.Context, path string) error { return w.inner.Mkdir(ctx, path) }
func (w *Wrapper) Rmdir(ctx context.Context, path string) error { return w.inner.Rmdir(ctx, path) }
func (w *Wrapper) IsDirectory(ctx context.Context, path string) (bool, error) {
	return w.inner.IsDirectory(ctx, path)
}
func (w *Wrapper) ListDir(ctx context.Context, path string) ([]string, error) {
	return w.inner.ListDir(ctx, path)
}

// lru is a byte-bounded, count-tracked in-process cache. It follows the
// bounded-map-with-eviction idiom the teacher uses for its in-process
// operation tables rather than pulling in a third-party LRU dependency —
// none of the pack's examples import one, so this stays on the standard
// library per DESIGN.md.
type lru struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key  string
	data []byte
}

func newLRU(maxBytes int64) *lru {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &lru{maxBytes: maxBytes, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

func (c *lru) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.curBytes -= int64(len(el.Value.(*lruEntry).data))
		el.Value = &lruEntry{key: key, data: data}
		c.curBytes += int64(len(data))
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&lruEntry{key: key, data: data})
		c.items[key] = el
		c.curBytes += int64(len(data))
	}
	for c.curBytes > c.maxBytes && c.ll.Len() > 0 {
		back := c.ll.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*lruEntry)
		c.curBytes -= int64(len(entry.data))
		delete(c.items, entry.key)
		c.ll.Remove(back)
	}
}

func (c *lru) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.curBytes -= int64(len(el.Value.(*lruEntry).data))
		delete(c.items, key)
		c.ll.Remove(el)
	}
}
