package extract

import (
	"crypto/sha256"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// entityOverhead approximates the fixed bytes of one cached entity beyond
// its strings.
const entityOverhead = 256

// cacheKey addresses an extraction: the same bytes under the same path and
// language hint always extract to the same entities.
type cacheKey struct {
	path string
	hint string
	sum  [sha256.Size]byte
}

type cacheEntry struct {
	key      cacheKey
	entities []model.Entity
	size     int64
	prev     *cacheEntry
	next     *cacheEntry
}

// entityCache is a byte-bounded LRU of extraction results.
type entityCache struct {
	mu       sync.Mutex
	entries  map[cacheKey]*cacheEntry
	head     *cacheEntry // most recently used
	tail     *cacheEntry
	maxBytes int64
	curBytes int64

	hits   atomic.Int64
	misses atomic.Int64
}

func newEntityCache(maxBytes int64) *entityCache {
	return &entityCache{entries: make(map[cacheKey]*cacheEntry), maxBytes: maxBytes}
}

func keyOf(filePath, hint string, content []byte) cacheKey {
	return cacheKey{path: filePath, hint: hint, sum: sha256.Sum256(content)}
}

// get returns a copy of the cached entities.
func (c *entityCache) get(key cacheKey) ([]model.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)
	c.moveToFront(ent)

	return slices.Clone(ent.entities), true
}

// put stores a copy of entities. Results larger than the whole cache are
// dropped.
func (c *entityCache) put(key cacheKey, entities []model.Entity) {
	size := sizeOf(entities)
	if size > c.maxBytes {
		return
	}

	entities = slices.Clone(entities)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		c.curBytes += size - ent.size
		ent.entities, ent.size = entities, size
		c.moveToFront(ent)

		return
	}

	for c.curBytes+size > c.maxBytes && c.tail != nil {
		c.evict(c.tail)
	}

	ent := &cacheEntry{key: key, entities: entities, size: size}
	c.entries[key] = ent
	c.curBytes += size
	c.addToFront(ent)
}

func (c *entityCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func sizeOf(entities []model.Entity) int64 {
	var n int

	for i := range entities {
		e := &entities[i]
		n += entityOverhead + len(e.Path) + len(e.Name) + len(e.QualifiedName) + len(e.Signature) +
			len(e.SignatureFingerprint) + len(e.BodyFingerprint) + len(e.ContentFingerprint) + len(e.Body)
	}

	return int64(n)
}

func (c *entityCache) evict(ent *cacheEntry) {
	c.remove(ent)
	delete(c.entries, ent.key)
	c.curBytes -= ent.size
}

func (c *entityCache) moveToFront(ent *cacheEntry) {
	if ent == c.head {
		return
	}

	c.remove(ent)
	c.addToFront(ent)
}

func (c *entityCache) addToFront(ent *cacheEntry) {
	ent.prev = nil
	ent.next = c.head

	if c.head != nil {
		c.head.prev = ent
	}

	c.head = ent

	if c.tail == nil {
		c.tail = ent
	}
}

func (c *entityCache) remove(ent *cacheEntry) {
	if ent.prev != nil {
		ent.prev.next = ent.next
	} else {
		c.head = ent.next
	}

	if ent.next != nil {
		ent.next.prev = ent.prev
	} else {
		c.tail = ent.prev
	}
}

// CacheStats reports the hits and misses of the extraction cache. Both
// are zero when caching is off.
func (r *Registry) CacheStats() (hits, misses int64) {
	if r.cache == nil {
		return 0, 0
	}

	return r.cache.hits.Load(), r.cache.misses.Load()
}
