package distribution

import (
	"container/list"
	"regexp"
	"sync"
)

// DefaultPatternCacheSize bounds the number of compiled expressions kept per evaluator.
const DefaultPatternCacheSize = 512

type patternEntry struct {
	key string
	re  *regexp.Regexp
}

// patternCache is a thread-safe LRU of compiled regular expressions.
type patternCache struct {
	capacity int
	items    map[string]*list.Element
	eviction *list.List
	mu       sync.Mutex
}

func newPatternCache(capacity int) *patternCache {
	if capacity <= 0 {
		capacity = DefaultPatternCacheSize
	}
	return &patternCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// compile returns the cached expression for key, compiling src on a miss.
func (c *patternCache) compile(key, src string) (*regexp.Regexp, error) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		re := elem.Value.(*patternEntry).re
		c.mu.Unlock()
		return re, nil
	}
	c.mu.Unlock()

	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		return elem.Value.(*patternEntry).re, nil
	}

	c.items[key] = c.eviction.PushFront(&patternEntry{key: key, re: re})
	if c.eviction.Len() > c.capacity {
		oldest := c.eviction.Back()
		c.eviction.Remove(oldest)
		delete(c.items, oldest.Value.(*patternEntry).key)
	}
	return re, nil
}

func (c *patternCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}
