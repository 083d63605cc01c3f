package events

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPathCacheSize bounds the message-hash to path side-cache.
const DefaultPathCacheSize = 200

// pathCache remembers the hop hashes of recently decoded packets so a
// parsed message for the same transmission can recover them. Entries are
// only ever added once and read with Peek, so eviction is first-in
// first-out.
type pathCache struct {
	c *lru.Cache[string, []string]
}

func newPathCache(size int) *pathCache {
	if size <= 0 {
		size = DefaultPathCacheSize
	}
	c, _ := lru.New[string, []string](size)
	return &pathCache{c: c}
}

// put keeps the first path seen for a hash.
func (p *pathCache) put(hash string, path []string) {
	if hash == "" || len(path) == 0 {
		return
	}
	if p.c.Contains(hash) {
		return
	}
	cp := make([]string, len(path))
	copy(cp, path)
	p.c.Add(hash, cp)
}

// pop returns and removes the path for hash.
func (p *pathCache) pop(hash string) []string {
	if hash == "" {
		return nil
	}
	path, ok := p.c.Peek(hash)
	if !ok {
		return nil
	}
	p.c.Remove(hash)
	return path
}

func (p *pathCache) len() int {
	return p.c.Len()
}
