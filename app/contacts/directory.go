package contacts

import (
	"sort"
	"strings"
	"sync"

	"go-meshcore-gateway/app/models"
)

// Directory is the set of known contacts keyed by lower-hex public key.
// Lookups walk keys in sorted order so ambiguous prefixes resolve the same
// way every time.
type Directory struct {
	mu    sync.RWMutex
	byKey map[string]models.Contact
	keys  []string
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{byKey: make(map[string]models.Contact)}
}

// Replace swaps the full contact set.
func (d *Directory) Replace(contacts []models.Contact) {
	byKey := make(map[string]models.Contact, len(contacts))
	for _, c := range contacts {
		c.PublicKey = strings.ToLower(c.PublicKey)
		if c.PublicKey == "" {
			continue
		}
		byKey[c.PublicKey] = c
	}

	d.mu.Lock()
	d.byKey = byKey
	d.keys = sortedKeys(byKey)
	d.mu.Unlock()
}

// Put adds or replaces a single contact.
func (d *Directory) Put(c models.Contact) {
	c.PublicKey = strings.ToLower(c.PublicKey)
	if c.PublicKey == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byKey[c.PublicKey]; !ok {
		i := sort.SearchStrings(d.keys, c.PublicKey)
		d.keys = append(d.keys, "")
		copy(d.keys[i+1:], d.keys[i:])
		d.keys[i] = c.PublicKey
	}
	d.byKey[c.PublicKey] = c
}

// Remove deletes the contact with the given full key.
func (d *Directory) Remove(publicKey string) {
	publicKey = strings.ToLower(publicKey)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byKey[publicKey]; !ok {
		return
	}
	delete(d.byKey, publicKey)
	i := sort.SearchStrings(d.keys, publicKey)
	d.keys = append(d.keys[:i], d.keys[i+1:]...)
}

// Len returns the number of contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKey)
}

// All returns a copy of every contact, ordered by key.
func (d *Directory) All() []models.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Contact, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, d.byKey[k])
	}
	return out
}

// Snapshot returns a copy of the contact map.
func (d *Directory) Snapshot() map[string]models.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]models.Contact, len(d.byKey))
	for k, c := range d.byKey {
		out[k] = c
	}
	return out
}

// ByPrefix finds a contact whose key starts with prefix, or whose key is
// itself a prefix of the given value (the caller may hold a full key while
// the directory only knows a prefix).
func (d *Directory) ByPrefix(prefix string) (models.Contact, bool) {
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return models.Contact{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, k := range d.keys {
		if strings.HasPrefix(k, prefix) || strings.HasPrefix(prefix, k) {
			return d.byKey[k], true
		}
	}
	return models.Contact{}, false
}

// ByHash finds the first contact whose key starts with a 1-byte hop hash.
func (d *Directory) ByHash(hash string) (models.Contact, bool) {
	hash = strings.ToLower(hash)
	if len(hash) < 2 {
		return models.Contact{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, k := range d.keys {
		if strings.HasPrefix(k, hash) {
			return d.byKey[k], true
		}
	}
	return models.Contact{}, false
}

// NameByPrefix returns the advertised name of the contact whose key starts
// with prefix, falling back to the first 8 chars of the prefix.
func (d *Directory) NameByPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	lower := strings.ToLower(prefix)

	d.mu.RLock()
	for _, k := range d.keys {
		if strings.HasPrefix(k, lower) {
			if name := d.byKey[k].AdvName; name != "" {
				d.mu.RUnlock()
				return name
			}
		}
	}
	d.mu.RUnlock()

	if len(prefix) > 8 {
		return prefix[:8]
	}
	return prefix
}

// ByName matches an advertised name: exact, then case-insensitive, then
// either name being a prefix of the other.
func (d *Directory) ByName(name string) (models.Contact, bool) {
	if name == "" {
		return models.Contact{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, k := range d.keys {
		if d.byKey[k].AdvName == name {
			return d.byKey[k], true
		}
	}
	lower := strings.ToLower(name)
	for _, k := range d.keys {
		if strings.ToLower(d.byKey[k].AdvName) == lower {
			return d.byKey[k], true
		}
	}
	for _, k := range d.keys {
		adv := d.byKey[k].AdvName
		if adv == "" {
			continue
		}
		if strings.HasPrefix(name, adv) || strings.HasPrefix(adv, name) {
			return d.byKey[k], true
		}
	}
	return models.Contact{}, false
}

// ResolvePathNames maps hop hashes to advertised names. Unknown hops
// resolve to an empty string so the result always has len(hashes) entries.
func (d *Directory) ResolvePathNames(hashes []string) []string {
	names := make([]string, len(hashes))
	for i, h := range hashes {
		if c, ok := d.ByHash(h); ok {
			names[i] = c.AdvName
		}
	}
	return names
}

func sortedKeys(m map[string]models.Contact) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
