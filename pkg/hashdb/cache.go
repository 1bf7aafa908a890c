package hashdb

import "fmt"

// DefaultCacheSize is the number of buckets cached when [Options.CacheSize]
// is zero.
const DefaultCacheSize = 32

// minCacheSize keeps both halves of a split resident.
const minCacheSize = 2

const noSlot = -1

// bucketStore is the backing store the cache loads from and writes back to.
type bucketStore interface {
	readBucket(adr uint64) (*bucket, error)
	writeBucket(adr uint64, b *bucket) error
}

// recordCache holds the last record read through a bucket.
type recordCache struct {
	slot  int // element index, noSlot when empty
	key   []byte
	value []byte
}

// cacheElem is one arena slot of the bucket cache.
type cacheElem struct {
	adr      uint64
	bucket   *bucket
	dirIndex int
	dirty    bool
	inUse    bool

	// LRU list links (slot indices).
	prev, next int

	rec recordCache
}

func (ce *cacheElem) invalidateRecord() {
	ce.rec = recordCache{slot: noSlot}
}

// bucketCache is a fixed-size LRU cache of buckets keyed by file offset.
//
// Slots live in an arena and are linked through indices. head is the most
// recently used slot, tail the least. Unused slots are handed out in index
// order.
type bucketCache struct {
	store bucketStore
	slots []cacheElem
	index map[uint64]int
	head  int
	tail  int
	free  []int

	hits      uint64
	misses    uint64
	evictions uint64
}

func newBucketCache(store bucketStore, size int) *bucketCache {
	c := &bucketCache{
		store: store,
		slots: make([]cacheElem, size),
		index: make(map[uint64]int, size),
		head:  noSlot,
		tail:  noSlot,
		free:  make([]int, 0, size),
	}

	for i := range c.slots {
		c.slots[i] = cacheElem{prev: noSlot, next: noSlot, rec: recordCache{slot: noSlot}}
		c.free = append(c.free, i)
	}

	return c
}

// get returns the cached bucket at adr, loading it on a miss.
func (c *bucketCache) get(adr uint64) (*cacheElem, error) {
	if i, ok := c.index[adr]; ok {
		c.hits++
		c.touch(i)

		return &c.slots[i], nil
	}

	c.misses++

	b, err := c.store.readBucket(adr)
	if err != nil {
		return nil, err
	}

	return c.insert(adr, b, false)
}

// add puts a bucket that does not exist on disk yet into the cache, dirty.
func (c *bucketCache) add(adr uint64, b *bucket) (*cacheElem, error) {
	if _, ok := c.index[adr]; ok {
		return nil, fmt.Errorf("bucket %d already cached: %w", adr, ErrCorrupt)
	}

	return c.insert(adr, b, true)
}

func (c *bucketCache) insert(adr uint64, b *bucket, dirty bool) (*cacheElem, error) {
	i, err := c.victim()
	if err != nil {
		return nil, err
	}

	ce := &c.slots[i]
	*ce = cacheElem{
		adr:      adr,
		bucket:   b,
		dirIndex: -1,
		dirty:    dirty,
		inUse:    true,
		prev:     noSlot,
		next:     noSlot,
		rec:      recordCache{slot: noSlot},
	}

	c.index[adr] = i
	c.pushFront(i)

	return ce, nil
}

// victim returns a slot ready for reuse: an unused slot, else the least
// recently used clean slot, else the least recently used slot after writing
// it back.
func (c *bucketCache) victim() (int, error) {
	if len(c.free) > 0 {
		i := c.free[0]
		c.free = c.free[1:]

		return i, nil
	}

	for i := c.tail; i != noSlot; i = c.slots[i].prev {
		if !c.slots[i].dirty {
			c.evict(i)
			return i, nil
		}
	}

	i := c.tail
	if err := c.writeBack(i); err != nil {
		return 0, err
	}

	c.evict(i)

	return i, nil
}

func (c *bucketCache) evict(i int) {
	c.unlink(i)
	delete(c.index, c.slots[i].adr)
	c.slots[i].inUse = false
	c.evictions++
}

func (c *bucketCache) writeBack(i int) error {
	ce := &c.slots[i]
	if err := c.store.writeBucket(ce.adr, ce.bucket); err != nil {
		return err
	}

	ce.dirty = false

	return nil
}

// flush writes every dirty bucket in slot order.
func (c *bucketCache) flush() error {
	for i := range c.slots {
		if c.slots[i].inUse && c.slots[i].dirty {
			if err := c.writeBack(i); err != nil {
				return err
			}
		}
	}

	return nil
}

// dirtyCount returns the number of buckets awaiting write-back.
func (c *bucketCache) dirtyCount() int {
	n := 0

	for i := range c.slots {
		if c.slots[i].inUse && c.slots[i].dirty {
			n++
		}
	}

	return n
}

// clear drops every cached bucket without writing anything.
func (c *bucketCache) clear() {
	clear(c.index)
	c.head, c.tail = noSlot, noSlot
	c.free = c.free[:0]

	for i := range c.slots {
		c.slots[i] = cacheElem{prev: noSlot, next: noSlot, rec: recordCache{slot: noSlot}}
		c.free = append(c.free, i)
	}
}

func (c *bucketCache) touch(i int) {
	if c.head == i {
		return
	}

	c.unlink(i)
	c.pushFront(i)
}

func (c *bucketCache) pushFront(i int) {
	ce := &c.slots[i]
	ce.prev = noSlot
	ce.next = c.head

	if c.head != noSlot {
		c.slots[c.head].prev = i
	}

	c.head = i

	if c.tail == noSlot {
		c.tail = i
	}
}

func (c *bucketCache) unlink(i int) {
	ce := &c.slots[i]

	if ce.prev != noSlot {
		c.slots[ce.prev].next = ce.next
	} else {
		c.head = ce.next
	}

	if ce.next != noSlot {
		c.slots[ce.next].prev = ce.prev
	} else {
		c.tail = ce.prev
	}

	ce.prev, ce.next = noSlot, noSlot
}
