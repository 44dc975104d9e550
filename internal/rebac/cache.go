package rebac

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// decisionCache is the L1 cache: a per-process, bounded LRU of
// (tenant, permission, object, subject) → bool, invalidated by comparing
// each entry's stored generation number against the tenant's current
// generation counter rather than by a TTL, per spec.md §4.4.
type decisionCache struct {
	mu          sync.Mutex
	maxEntries  int
	ll          *list.List
	items       map[string]*list.Element
	generations map[string]int64 // tenantID -> generation
}

type decisionEntry struct {
	key        string
	value      bool
	tenantID   string
	generation int64
}

func newDecisionCache(maxEntries int) *decisionCache {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &decisionCache{
		maxEntries:  maxEntries,
		ll:          list.New(),
		items:       make(map[string]*list.Element),
		generations: make(map[string]int64),
	}
}

// bump invalidates every cached decision for tenantID by advancing its
// generation counter; it does not need to touch existing entries since
// get() checks the stored generation lazily.
func (c *decisionCache) bump(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[tenantID]++
}

func (c *decisionCache) get(tenantID, key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false, false
	}
	entry := el.Value.(*decisionEntry)
	if entry.generation != c.generations[tenantID] {
		c.ll.Remove(el)
		delete(c.items, key)
		return false, false
	}
	c.ll.MoveToFront(el)
	return entry.value, true
}

func (c *decisionCache) put(tenantID, key string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &decisionEntry{key: key, value: value, tenantID: tenantID, generation: c.generations[tenantID]}
	if el, ok := c.items[key]; ok {
		el.Value = entry
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(entry)
		c.items[key] = el
	}
	for c.ll.Len() > c.maxEntries {
		back := c.ll.Back()
		if back == nil {
			break
		}
		delete(c.items, back.Value.(*decisionEntry).key)
		c.ll.Remove(back)
	}
}

// l2Cache is the optional shared Redis tier for cross-process decision
// reuse. Unlike L1 it is TTL-bounded rather than generation-invalidated,
// since a shared cache can't cheaply fan out an invalidation signal to
// every process the way an in-process generation counter can.
type l2Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func newL2Cache(client *redis.Client, ttl time.Duration) *l2Cache {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &l2Cache{client: client, ttl: ttl}
}

func (c *l2Cache) get(ctx context.Context, key string) (bool, bool) {
	if c == nil || c.client == nil {
		return false, false
	}
	val, err := c.client.Get(ctx, "nexus:decision:"+key).Result()
	if err != nil {
		return false, false // any fault, including redis.Nil, falls through
	}
	return val == "1", true
}

func (c *l2Cache) put(ctx context.Context, key string, value bool) {
	if c == nil || c.client == nil {
		return
	}
	v := "0"
	if value {
		v = "1"
	}
	c.client.Set(ctx, "nexus:decision:"+key, v, c.ttl)
}

// namespaceCache is a bounded LRU of parsed namespaces keyed by object
// type. A namespace update through Engine.PutNamespace evicts the entry,
// so the next lookup is a cache miss rather than a stale hit.
type namespaceCache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
}

type namespaceEntry struct {
	key     string
	payload any
}

func newNamespaceCache(maxEntries int) *namespaceCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &namespaceCache{maxEntries: maxEntries, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *namespaceCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*namespaceEntry).payload, true
}

func (c *namespaceCache) put(key string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value = &namespaceEntry{key: key, payload: payload}
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&namespaceEntry{key: key, payload: payload})
	c.items[key] = el
	for c.ll.Len() > c.maxEntries {
		back := c.ll.Back()
		if back == nil {
			break
		}
		delete(c.items, back.Value.(*namespaceEntry).key)
		c.ll.Remove(back)
	}
}
