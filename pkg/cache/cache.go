// Package cache implements the bounded embedding cache that sits between
// the HNSW graph and the block store: a miss loads the whole containing
// block (block-affine loading), turning random per-id vector fetches during
// search into amortized block loads.
package cache

import (
	"container/list"
	"sync"

	"github.com/vectorkv/vectorkv/pkg/block"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// entry is the cached payload for one embedding id.
type entry struct {
	id     uint64
	vector []float32
}

// Cache is a bounded, block-affine LRU over a block.Store. Capacity is
// expressed in embeddings, not bytes or blocks; DefaultCapacity sizes it to
// roughly 20 resident blocks of the given block capacity.
type Cache struct {
	mu       sync.Mutex
	store    *block.Store
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

// DefaultCapacity returns the conventional cache size for a store whose
// block capacity (B) is blockCapacity.
func DefaultCapacity(blockCapacity int) int {
	return 20 * blockCapacity
}

// New creates a Cache of the given capacity (in embeddings) over store.
func New(store *block.Store, capacity int) *Cache {
	return &Cache{
		store:    store,
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element),
	}
}

// Get returns id's vector, hydrating from the block store on a miss. Hits
// are O(1): a map lookup plus a list move-to-front.
func (c *Cache) Get(id uint64) ([]float32, error) {
	c.mu.Lock()
	if el, ok := c.items[id]; ok {
		c.ll.MoveToFront(el)
		v := el.Value.(*entry).vector
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	blk, err := c.store.ReadBlock(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var want []float32
	found := false
	for i, slot := range blk.Slots {
		if blk.Tombstones.Contains(uint32(i)) {
			continue
		}
		if slot.EmbeddingID == id {
			want, found = slot.Vector, true
			continue
		}
		c.putLocked(slot.EmbeddingID, slot.Vector)
	}
	if !found {
		return nil, verrors.Wrap("Cache.Get", verrors.Corrupt, verrors.ErrDirectoryCorrupt)
	}
	// id goes in last so hydrating its block-mates cannot evict it.
	c.putLocked(id, want)
	return want, nil
}

// putLocked inserts or refreshes id's entry, evicting the least-recently
// used entry if capacity is exceeded. Caller holds c.mu.
func (c *Cache) putLocked(id uint64, vector []float32) {
	if el, ok := c.items[id]; ok {
		el.Value.(*entry).vector = vector
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{id: id, vector: vector})
	c.items[id] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).id)
	}
}

// Invalidate drops id from the cache. The engine does not call it on
// delete; a deleted id's cached vector stays until it is evicted or the
// cache is refreshed.
func (c *Cache) Invalidate(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.ll.Remove(el)
		delete(c.items, id)
	}
}

// RefreshDirectory invalidates the entire cache; callers invoke it after a
// reblock or directory rebuild, since (block_id, slot) associations for
// previously cached ids may no longer hold.
func (c *Cache) RefreshDirectory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[uint64]*list.Element)
}

// Vector satisfies hnsw.VectorSource: the HNSW graph fetches vectors purely
// by id, never touching the block store directly.
func (c *Cache) Vector(id uint64) ([]float32, error) {
	return c.Get(id)
}

// Len reports the number of embeddings currently resident, for Stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
