package envelope

import (
	"container/list"
	"sync"

	"golang.org/x/crypto/blake2s"
)

// Digest keys a handshake-class datagram for replay detection. Hashing
// the whole datagram covers the nonce, so a re-sent ciphertext is
// caught even though the counter window does not apply pre-session.
func Digest(pkt []byte) [32]byte {
	return blake2s.Sum256(pkt)
}

// ReplayCache remembers recently seen handshake-class datagrams in a
// bounded LRU so duplicates are dropped without unbounded memory.
type ReplayCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[[32]byte]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key [32]byte
}

// NewReplayCache creates a cache holding at most capacity digests.
func NewReplayCache(capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &ReplayCache{
		capacity: capacity,
		entries:  make(map[[32]byte]*list.Element, capacity),
		order:    list.New(),
	}
}

// Seen marks a digest and returns true if it was already present.
func (c *ReplayCache) Seen(key [32]byte) (replayed bool, evicted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return true, 0
	}
	elem := c.order.PushFront(cacheEntry{key: key})
	c.entries[key] = elem
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		entry := back.Value.(cacheEntry)
		delete(c.entries, entry.key)
		c.order.Remove(back)
		evicted++
	}
	return false, evicted
}

// Reset drops all remembered digests.
func (c *ReplayCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[[32]byte]*list.Element, c.capacity)
	c.order.Init()
}
