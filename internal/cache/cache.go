// Package cache implements the block cache shared by every open file of a
// provider. Blocks are keyed by (file identifier, block index) and evicted in
// LRU order. The cache is split into shards, each guarded by its own mutex,
// so unrelated files never contend on a file-level lock.
package cache

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/swiss"
)

// FileID identifies a file within the cache.
type FileID uint64

type key struct {
	file  FileID
	block uint32
}

type entry struct {
	key        key
	data       []byte
	prev, next *entry
}

type shard struct {
	mu       sync.Mutex
	blocks   swiss.Map[key, *entry]
	lru      entry // sentinel: lru.next is most recent
	size     int
	capacity int
}

// Metrics holds cache counters.
type Metrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
	Capacity  int64
}

// Cache is a sharded LRU block cache.
type Cache struct {
	shards   []shard
	capacity int
	nextFile atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache holding at most capacity blocks.
func New(capacity int) *Cache {
	return NewWithShards(capacity, 4*runtime.GOMAXPROCS(0))
}

// NewWithShards creates a cache with an explicit shard count.
func NewWithShards(capacity, shards int) *Cache {
	if shards < 1 {
		shards = 1
	}
	if capacity < shards {
		shards = max(capacity, 1)
	}
	c := &Cache{
		shards:   make([]shard, shards),
		capacity: capacity,
	}
	per := capacity / shards
	for i := range c.shards {
		s := &c.shards[i]
		s.capacity = per
		if i < capacity%shards {
			s.capacity++
		}
		s.blocks.Init(s.capacity)
		s.lru.next = &s.lru
		s.lru.prev = &s.lru
	}
	return c
}

// NewFileID returns an identifier not used by any other file of this cache.
func (c *Cache) NewFileID() FileID {
	return FileID(c.nextFile.Add(1))
}

func (c *Cache) shard(k key) *shard {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(k.file))
	binary.LittleEndian.PutUint32(buf[8:], k.block)
	return &c.shards[xxhash.Sum64(buf[:])%uint64(len(c.shards))]
}

// Get returns a copy of the cached block, if present.
func (c *Cache) Get(file FileID, block uint32) ([]byte, bool) {
	k := key{file: file, block: block}
	s := c.shard(k)
	s.mu.Lock()
	e, ok := s.blocks.Get(k)
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	s.unlink(e)
	s.pushFront(e)
	data := append([]byte(nil), e.data...)
	s.mu.Unlock()
	c.hits.Add(1)
	return data, true
}

// Put stores a copy of data for the block, evicting the least recently used
// blocks of the shard when it is full.
func (c *Cache) Put(file FileID, block uint32, data []byte) {
	k := key{file: file, block: block}
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity == 0 {
		return
	}
	if e, ok := s.blocks.Get(k); ok {
		e.data = append(e.data[:0], data...)
		s.unlink(e)
		s.pushFront(e)
		return
	}
	for s.size >= s.capacity {
		victim := s.lru.prev
		s.unlink(victim)
		s.blocks.Delete(victim.key)
		s.size--
		c.evictions.Add(1)
	}
	e := &entry{key: k, data: append([]byte(nil), data...)}
	s.blocks.Put(k, e)
	s.pushFront(e)
	s.size++
}

// Invalidate drops a single block.
func (c *Cache) Invalidate(file FileID, block uint32) {
	k := key{file: file, block: block}
	s := c.shard(k)
	s.mu.Lock()
	if e, ok := s.blocks.Get(k); ok {
		s.unlink(e)
		s.blocks.Delete(k)
		s.size--
	}
	s.mu.Unlock()
}

// InvalidateAll drops every block of a file.
func (c *Cache) InvalidateAll(file FileID) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		var doomed []*entry
		s.blocks.All(func(k key, e *entry) bool {
			if k.file == file {
				doomed = append(doomed, e)
			}
			return true
		})
		for _, e := range doomed {
			s.unlink(e)
			s.blocks.Delete(e.key)
			s.size--
		}
		s.mu.Unlock()
	}
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += s.size
		s.mu.Unlock()
	}
	return n
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache) Metrics() Metrics {
	return Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      int64(c.Len()),
		Capacity:  int64(c.capacity),
	}
}

func (s *shard) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (s *shard) pushFront(e *entry) {
	e.prev = &s.lru
	e.next = s.lru.next
	s.lru.next.prev = e
	s.lru.next = e
}
