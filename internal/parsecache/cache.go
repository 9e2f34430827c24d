// Package parsecache memoizes parsed files by path.
//
// An entry is only served while the file's modification time and size match
// the values recorded when it was parsed; any change to either forces a
// re-parse. Capacity is bounded with least-recently-used eviction.
package parsecache

import (
	"io/fs"
	"sync"
	"time"
)

// node is a doubly linked list node holding one cached file.
type node[V any] struct {
	path    string
	modTime time.Time
	size    int64
	val     V
	prev    *node[V]
	next    *node[V]
}

// Cache is a thread-safe, size-bounded map of path to parsed value.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*node[V]
	head     *node[V] // most recently used (sentinel)
	tail     *node[V] // least recently used (sentinel)
}

// New creates a cache holding at most capacity files.
// Panics if capacity < 1.
func New[V any](capacity int) *Cache[V] {
	if capacity < 1 {
		panic("parsecache: capacity must be >= 1")
	}

	head := &node[V]{}
	tail := &node[V]{}
	head.next = tail
	tail.prev = head

	return &Cache[V]{
		capacity: capacity,
		items:    make(map[string]*node[V], capacity),
		head:     head,
		tail:     tail,
	}
}

// Get returns the value parsed from path if info still describes the same
// file contents. A stale entry is dropped.
func (c *Cache[V]) Get(path string, info fs.FileInfo) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	n, ok := c.items[path]
	if !ok {
		return zero, false
	}
	if !n.modTime.Equal(info.ModTime()) || n.size != info.Size() {
		c.remove(n)
		delete(c.items, path)
		return zero, false
	}

	c.moveToFront(n)
	return n.val, true
}

// Put records the value parsed from path at the state described by info.
// Returns the evicted path and true if an eviction occurred.
func (c *Cache[V]) Put(path string, info fs.FileInfo, val V) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[path]; ok {
		n.val = val
		n.modTime = info.ModTime()
		n.size = info.Size()
		c.moveToFront(n)
		return "", false
	}

	var evicted string
	didEvict := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.path)
		evicted = victim.path
		didEvict = true
	}

	n := &node[V]{path: path, modTime: info.ModTime(), size: info.Size(), val: val}
	c.items[path] = n
	c.pushFront(n)

	return evicted, didEvict
}

// Invalidate drops the entry for path. Returns true if one existed.
func (c *Cache[V]) Invalidate(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[path]
	if !ok {
		return false
	}
	c.remove(n)
	delete(c.items, path)
	return true
}

// Len returns the number of cached files.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Paths returns cached paths from most to least recently used.
func (c *Cache[V]) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := make([]string, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		paths = append(paths, cur.path)
	}
	return paths
}

// --- internal linked list operations (caller must hold lock) ---

func (c *Cache[V]) remove(n *node[V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[V]) pushFront(n *node[V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[V]) moveToFront(n *node[V]) {
	c.remove(n)
	c.pushFront(n)
}
