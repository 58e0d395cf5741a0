package offline0

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a size-bounded LRU of decoded entries. It never owns data: the
// disk store is always written first, so eviction simply drops items.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent CacheEntry, sz int64) {
	if c.maxBytes <= 0 || sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
}

func (c *ramCache) evictLocked() {
	for c.total > c.maxBytes && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

// DeletePrefix drops every item whose key starts with prefix.
func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		c.remove(it)
		delete(c.items, k)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
