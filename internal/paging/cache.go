package paging

import "container/list"

// pageCache is a bounded LRU of page buffers with write-back on eviction.
// Dirty buffers are written through the writer func before leaving the
// cache, so a fetch always observes the most recent update.
type pageCache struct {
	capacity int
	lru      *list.List
	entries  map[int64]*list.Element
	writer   func(index int64, buf []byte) error
}

type cacheEntry struct {
	index int64
	buf   []byte
	dirty bool
}

func newPageCache(capacity int, writer func(int64, []byte) error) *pageCache {
	return &pageCache{
		capacity: capacity,
		lru:      list.New(),
		entries:  make(map[int64]*list.Element),
		writer:   writer,
	}
}

func (c *pageCache) get(index int64) ([]byte, bool) {
	el, ok := c.entries[index]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).buf, true
}

// put stores a buffer, evicting the least recently used entry when over
// capacity. Evicted dirty pages are written back.
func (c *pageCache) put(index int64, buf []byte, dirty bool) error {
	if el, ok := c.entries[index]; ok {
		entry := el.Value.(*cacheEntry)
		entry.buf = buf
		entry.dirty = entry.dirty || dirty
		c.lru.MoveToFront(el)
		return nil
	}

	el := c.lru.PushFront(&cacheEntry{index: index, buf: buf, dirty: dirty})
	c.entries[index] = el

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		entry := oldest.Value.(*cacheEntry)
		if entry.dirty {
			if err := c.writer(entry.index, entry.buf); err != nil {
				return err
			}
		}
		c.lru.Remove(oldest)
		delete(c.entries, entry.index)
	}
	return nil
}

func (c *pageCache) drop(index int64) {
	if el, ok := c.entries[index]; ok {
		c.lru.Remove(el)
		delete(c.entries, index)
	}
}

// flush writes every dirty buffer back and marks it clean.
func (c *pageCache) flush() error {
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		if !entry.dirty {
			continue
		}
		if err := c.writer(entry.index, entry.buf); err != nil {
			return err
		}
		entry.dirty = false
	}
	return nil
}
