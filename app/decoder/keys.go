package decoder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// SecretSize is the size of a channel secret in bytes.
const SecretSize = 16

// KeyOrigin records where a channel key came from.
type KeyOrigin string

const (
	OriginDevice KeyOrigin = "device"
	OriginCache  KeyOrigin = "cache"
	OriginName   KeyOrigin = "name-derived"
)

// ChannelKey is one registered channel secret.
type ChannelKey struct {
	Index  int
	Secret [SecretSize]byte
	Hash   byte
	Origin KeyOrigin
}

// SecretHex returns the secret as lower hex.
func (k ChannelKey) SecretHex() string {
	return hex.EncodeToString(k.Secret[:])
}

// HashHex returns the channel hash as 2 lower hex chars.
func (k ChannelKey) HashHex() string {
	return fmt.Sprintf("%02x", k.Hash)
}

// KeyStore holds at most one key per channel index and maps channel
// hashes back to indices. Hash collisions are logged; last write wins.
type KeyStore struct {
	mu        sync.RWMutex
	byIndex   map[int]ChannelKey
	hashToIdx map[byte]int
	log       *zap.Logger
}

// NewKeyStore creates an empty key store.
func NewKeyStore(log *zap.Logger) *KeyStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyStore{
		byIndex:   make(map[int]ChannelKey),
		hashToIdx: make(map[byte]int),
		log:       log,
	}
}

// ChannelHash computes the 1-byte channel hash of a secret.
func ChannelHash(secret []byte) byte {
	sum := sha256.Sum256(secret)
	return sum[0]
}

// SecretFromName derives the channel secret from a channel name:
// SHA-256(utf8(name))[0:16].
func SecretFromName(name string) []byte {
	sum := sha256.Sum256([]byte(name))
	return sum[:SecretSize]
}

// Put registers secret for index, replacing any previous key for that index.
func (s *KeyStore) Put(index int, secret []byte, origin KeyOrigin) (ChannelKey, error) {
	if index < 0 {
		return ChannelKey{}, fmt.Errorf("invalid channel index %d", index)
	}
	if len(secret) < SecretSize {
		return ChannelKey{}, fmt.Errorf("channel secret too short: %d bytes", len(secret))
	}

	key := ChannelKey{Index: index, Origin: origin}
	copy(key.Secret[:], secret[:SecretSize])
	key.Hash = ChannelHash(key.Secret[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byIndex[index]; ok && prev.Hash != key.Hash {
		if owner, ok := s.hashToIdx[prev.Hash]; ok && owner == index {
			delete(s.hashToIdx, prev.Hash)
		}
	}
	if owner, ok := s.hashToIdx[key.Hash]; ok && owner != index {
		s.log.Warn("channel hash collision, last registered key wins",
			zap.String("hash", key.HashHex()),
			zap.Int("previous_channel", owner),
			zap.Int("channel", index))
	}
	s.byIndex[index] = key
	s.hashToIdx[key.Hash] = index
	return key, nil
}

// Get returns the key registered for index.
func (s *KeyStore) Get(index int) (ChannelKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byIndex[index]
	return k, ok
}

// IndexForHash maps an observed channel hash to a channel index.
func (s *KeyStore) IndexForHash(hash byte) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.hashToIdx[hash]
	return idx, ok
}

// candidates returns every key whose hash matches, the hash owner first.
func (s *KeyStore) candidates(hash byte) []ChannelKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ChannelKey
	owner, hasOwner := s.hashToIdx[hash]
	if hasOwner {
		out = append(out, s.byIndex[owner])
	}
	for idx, k := range s.byIndex {
		if k.Hash == hash && (!hasOwner || idx != owner) {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of registered keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byIndex)
}

// All returns the registered keys ordered by channel index.
func (s *KeyStore) All() []ChannelKey {
	s.mu.RLock()
	keys := make([]ChannelKey, 0, len(s.byIndex))
	for _, k := range s.byIndex {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Index < keys[j].Index })
	return keys
}
