package pricecache

import "sync"

// lruNode is one entry in the intrusive doubly-linked list.
type lruNode struct {
	key        string
	value      interface{}
	prev, next *lruNode
}

// lruList is an unsynchronized doubly-linked list + index map giving O(1)
// push/touch/evict. Callers provide their own locking.
type lruList struct {
	head, tail *lruNode
	index      map[string]*lruNode
}

func newLRUList() *lruList {
	return &lruList{index: make(map[string]*lruNode)}
}

func (l *lruList) len() int { return len(l.index) }

func (l *lruList) pushFront(key string) {
	if n, ok := l.index[key]; ok {
		l.moveToFront(n)
		return
	}
	n := &lruNode{key: key}
	l.index[key] = n
	l.attachFront(n)
}

func (l *lruList) touch(key string) {
	if n, ok := l.index[key]; ok {
		l.moveToFront(n)
	}
}

// evictOldest removes and returns the tail key, "" when empty.
func (l *lruList) evictOldest() string {
	if l.tail == nil {
		return ""
	}
	n := l.tail
	l.detach(n)
	delete(l.index, n.key)
	return n.key
}

func (l *lruList) attachFront(n *lruNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *lruList) detach(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (l *lruList) moveToFront(n *lruNode) {
	if l.head == n {
		return
	}
	l.detach(n)
	l.attachFront(n)
}

// LRUCache is a thread-safe bounded key/value cache with O(1) add, touch and
// evict, used by the ingest duplicate filter.
type LRUCache struct {
	mu       sync.Mutex
	list     *lruList
	capacity int
}

func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &LRUCache{list: newLRUList(), capacity: capacity}
}

// Get returns the cached value and marks the key recently used.
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.list.index[key]
	if !ok {
		return nil, false
	}
	c.list.moveToFront(n)
	return n.value, true
}

// Put inserts or refreshes a key, evicting the oldest entry when full.
func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.list.index[key]; ok {
		n.value = value
		c.list.moveToFront(n)
		return
	}
	if c.list.len() >= c.capacity {
		c.list.evictOldest()
	}
	n := &lruNode{key: key, value: value}
	c.list.index[key] = n
	c.list.attachFront(n)
}

// Len reports the number of cached entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.len()
}
