package cache

import (
	"container/list"
	"sync"

	"github.com/chunkforge/chunkforge/internal/dataset"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// DatasetCacheStats counts decoded-dataset cache activity.
type DatasetCacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// DatasetCache is a thread-safe LRU of decoded datasets keyed by
// InputKey. One input often feeds several chunks; keeping the decoded
// form around avoids re-parsing the same cached bytes for every chunk
// that slices it.
type DatasetCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*datasetItem
	evict    *list.List

	stats DatasetCacheStats
}

type datasetItem struct {
	key     string
	ds      *dataset.Dataset
	element *list.Element
}

// NewDatasetCache creates a dataset cache holding at most capacity
// entries.
func NewDatasetCache(capacity int) *DatasetCache {
	if capacity < 1 {
		capacity = 1
	}
	return &DatasetCache{
		capacity: capacity,
		items:    make(map[string]*datasetItem),
		evict:    list.New(),
	}
}

// Get returns the decoded dataset for a key, or nil on a miss. The
// returned dataset is shared; callers must treat it as read-only.
func (c *DatasetCache) Get(key types.InputKey) *dataset.Dataset {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key.String()]
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.evict.MoveToFront(item.element)
	c.stats.Hits++
	return item.ds
}

// Put stores a decoded dataset, evicting the least recently used entry
// when the cache is full.
func (c *DatasetCache) Put(key types.InputKey, ds *dataset.Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if item, ok := c.items[k]; ok {
		item.ds = ds
		c.evict.MoveToFront(item.element)
		return
	}
	for len(c.items) >= c.capacity {
		oldest := c.evict.Back()
		if oldest == nil {
			break
		}
		c.evict.Remove(oldest)
		delete(c.items, oldest.Value.(string))
	}
	item := &datasetItem{key: k, ds: ds}
	item.element = c.evict.PushFront(k)
	c.items[k] = item
}

// Stats returns a snapshot of cache counters.
func (c *DatasetCache) Stats() DatasetCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	return s
}
