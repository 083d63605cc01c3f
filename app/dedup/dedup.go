package dedup

import (
	"go-meshcore-gateway/app/models"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize is the default capacity of each store.
const DefaultMaxSize = 200

// Store is a bounded set with least-recently-marked eviction.
type Store struct {
	cache *lru.Cache[string, struct{}]
}

// NewStore creates a store holding at most maxSize keys.
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	// only errors on a non-positive size
	cache, _ := lru.New[string, struct{}](maxSize)
	return &Store{cache: cache}
}

// Mark records key, refreshing it if already present.
func (s *Store) Mark(key string) {
	s.cache.Add(key, struct{}{})
}

// Seen reports whether key is present without refreshing it.
func (s *Store) Seen(key string) bool {
	return s.cache.Contains(key)
}

// Len returns the number of keys held.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Clear drops every key.
func (s *Store) Clear() {
	s.cache.Purge()
}

// DualDeduplicator keeps two independent stores: one keyed by packet hash
// for the raw-packet stream and one keyed by channel, sender and text for
// the parsed-message stream, which never carries a hash.
type DualDeduplicator struct {
	hashes  *Store
	content *Store
}

// New creates a deduplicator with maxSize entries per store.
func New(maxSize int) *DualDeduplicator {
	return &DualDeduplicator{
		hashes:  NewStore(maxSize),
		content: NewStore(maxSize),
	}
}

// MarkHash records a packet hash. Empty hashes are ignored.
func (d *DualDeduplicator) MarkHash(messageHash string) {
	if messageHash == "" {
		return
	}
	d.hashes.Mark(messageHash)
}

// IsHashSeen reports whether messageHash was marked. An empty hash is never seen.
func (d *DualDeduplicator) IsHashSeen(messageHash string) bool {
	if messageHash == "" {
		return false
	}
	return d.hashes.Seen(messageHash)
}

// MarkContent records a channel/sender/text combination.
func (d *DualDeduplicator) MarkContent(sender string, channel *int, text string) {
	d.content.Mark(models.ContentKey(channel, sender, text))
}

// IsContentSeen reports whether the combination was marked.
func (d *DualDeduplicator) IsContentSeen(sender string, channel *int, text string) bool {
	return d.content.Seen(models.ContentKey(channel, sender, text))
}

// Clear empties both stores.
func (d *DualDeduplicator) Clear() {
	d.hashes.Clear()
	d.content.Clear()
}

// Sizes returns the number of entries in the hash and content stores.
func (d *DualDeduplicator) Sizes() (hashes, content int) {
	return d.hashes.Len(), d.content.Len()
}
