package piece

import "container/list"

// lruCache is a fixed-capacity, least-recently-used cache of verified piece
// bytes, keyed by piece index. It exists so recently-completed pieces can be
// re-served to peers without a disk round trip; the standard library has no
// ready-made LRU container, so this is a small container/list-backed one
// (see DESIGN.md).
type lruCache struct {
	capacity int
	ll       *list.List
	index    map[uint32]*list.Element
}

type cacheEntry struct {
	key  uint32
	data []byte
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[uint32]*list.Element),
	}
}

func (c *lruCache) get(key uint32) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *lruCache) put(key uint32, data []byte) {
	if c.capacity <= 0 {
		return
	}
	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).data = data
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, data: data})
	c.index[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*cacheEntry).key)
	}
}

func (c *lruCache) remove(key uint32) {
	if el, ok := c.index[key]; ok {
		c.ll.Remove(el)
		delete(c.index, key)
	}
}
