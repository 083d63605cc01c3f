package contacts

import (
	"strings"

	"go-meshcore-gateway/app/models"
)

// ScanByKey searches a contact snapshot with a bidirectional,
// case-insensitive key prefix match.
func ScanByKey(snapshot map[string]models.Contact, prefix string) (string, models.Contact, bool) {
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return "", models.Contact{}, false
	}
	for _, k := range sortedKeys(snapshot) {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, prefix) || strings.HasPrefix(prefix, lk) {
			return k, snapshot[k], true
		}
	}
	return "", models.Contact{}, false
}

// ScanByName searches a contact snapshot by advertised name, exact first
// and then case-insensitive.
func ScanByName(snapshot map[string]models.Contact, name string) (string, models.Contact, bool) {
	if name == "" {
		return "", models.Contact{}, false
	}
	keys := sortedKeys(snapshot)
	for _, k := range keys {
		if snapshot[k].AdvName == name {
			return k, snapshot[k], true
		}
	}
	lower := strings.ToLower(name)
	for _, k := range keys {
		if strings.ToLower(snapshot[k].AdvName) == lower {
			return k, snapshot[k], true
		}
	}
	return "", models.Contact{}, false
}

// ScanByHash finds the first snapshot contact whose key starts with hash.
func ScanByHash(snapshot map[string]models.Contact, hash string) (models.Contact, bool) {
	hash = strings.ToLower(hash)
	if len(hash) < 2 {
		return models.Contact{}, false
	}
	for _, k := range sortedKeys(snapshot) {
		if strings.HasPrefix(strings.ToLower(k), hash) {
			return snapshot[k], true
		}
	}
	return models.Contact{}, false
}
