package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

type cacheFile struct {
	Version     int                       `json:"version"`
	Address     string                    `json:"address"`
	LastUpdated time.Time                 `json:"last_updated"`
	Device      *models.DeviceInfo        `json:"device,omitempty"`
	Channels    []models.Channel          `json:"channels"`
	ChannelKeys map[string]string         `json:"channel_keys"`
	Contacts    map[string]models.Contact `json:"contacts"`
}

// DeviceCache persists what the gateway learned about one radio: device
// info, channel slots, channel keys and contacts. It lets the dashboard
// start from cached data before the radio answers, and it is the default
// channel-key cache for discovery.
type DeviceCache struct {
	mu      sync.RWMutex
	path    string
	address string
	data    cacheFile
	loaded  bool
	now     func() time.Time
	log     *zap.Logger
}

// OpenDeviceCache opens the cache for address under dir. An unreadable or
// foreign-version file is logged and replaced on the next save.
func OpenDeviceCache(dir, address string, log *zap.Logger) *DeviceCache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &DeviceCache{
		path:    filepath.Join(dir, "cache", SafeName(address)+".json"),
		address: address,
		data:    emptyCache(address),
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.Named("cache"),
	}
	if err := c.load(); err != nil {
		c.log.Warn("ignoring device cache", zap.String("path", c.path), zap.Error(err))
	} else if c.loaded {
		c.log.Info("device cache loaded",
			zap.String("path", c.path),
			zap.Int("channels", len(c.data.Channels)),
			zap.Int("keys", len(c.data.ChannelKeys)),
			zap.Int("contacts", len(c.data.Contacts)))
	}
	return c
}

func emptyCache(address string) cacheFile {
	return cacheFile{
		Version:     FormatVersion,
		Address:     address,
		Channels:    []models.Channel{},
		ChannelKeys: map[string]string{},
		Contacts:    map[string]models.Contact{},
	}
}

func (c *DeviceCache) load() error {
	if err := checkVersion(c.path); err != nil {
		return err
	}
	data := emptyCache(c.address)
	ok, err := readJSON(c.path, &data)
	if err != nil || !ok {
		return err
	}
	if data.ChannelKeys == nil {
		data.ChannelKeys = map[string]string{}
	}
	if data.Contacts == nil {
		data.Contacts = map[string]models.Contact{}
	}
	c.data = data
	c.loaded = true
	return nil
}

// saveLocked must be called with the write lock held.
func (c *DeviceCache) saveLocked() error {
	c.data.Version = FormatVersion
	c.data.Address = c.address
	c.data.LastUpdated = c.now()
	if err := writeJSON(c.path, c.data); err != nil {
		return fmt.Errorf("save device cache: %w", err)
	}
	c.loaded = true
	return nil
}

// Path returns the cache file location.
func (c *DeviceCache) Path() string {
	return c.path
}

// HasCache reports whether cached data was loaded or written.
func (c *DeviceCache) HasCache() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// LastUpdated returns when the cache was last written.
func (c *DeviceCache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.LastUpdated
}

func (c *DeviceCache) Device() (models.DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data.Device == nil {
		return models.DeviceInfo{}, false
	}
	return *c.data.Device, true
}

func (c *DeviceCache) SetDevice(info models.DeviceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Device = &info
	return c.saveLocked()
}

func (c *DeviceCache) Channels() []models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Channel(nil), c.data.Channels...)
}

func (c *DeviceCache) SetChannels(channels []models.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Channels = append([]models.Channel{}, channels...)
	return c.saveLocked()
}

// ChannelKeys returns the cached channel secrets by slot index.
func (c *DeviceCache) ChannelKeys(ctx context.Context) (map[int]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]string, len(c.data.ChannelKeys))
	for k, v := range c.data.ChannelKeys {
		idx, err := strconv.Atoi(k)
		if err != nil {
			c.log.Debug("skipping malformed channel key index", zap.String("index", k))
			continue
		}
		out[idx] = v
	}
	return out, nil
}

// SetChannelKey stores a device-sourced channel secret.
func (c *DeviceCache) SetChannelKey(ctx context.Context, index int, secretHex string) error {
	if index < 0 {
		return errors.New("channel index must not be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strconv.Itoa(index)
	if c.data.ChannelKeys[key] == secretHex {
		return nil
	}
	c.data.ChannelKeys[key] = secretHex
	return c.saveLocked()
}

// Contacts returns the cached contacts sorted by public key.
func (c *DeviceCache) Contacts() []models.Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contactsLocked()
}

func (c *DeviceCache) contactsLocked() []models.Contact {
	out := make([]models.Contact, 0, len(c.data.Contacts))
	for _, ct := range c.data.Contacts {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

// MergeContacts folds a fresh contact list from the radio into the cache.
// Fresh contacts replace cached ones and are stamped as seen now; contacts
// only present in the cache are kept. The merged set is returned.
func (c *DeviceCache) MergeContacts(fresh []models.Contact) ([]models.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	added := 0
	for _, ct := range fresh {
		if ct.PublicKey == "" {
			continue
		}
		if _, ok := c.data.Contacts[ct.PublicKey]; !ok {
			added++
		}
		ct.LastSeen = now
		c.data.Contacts[ct.PublicKey] = ct
	}
	c.log.Debug("contacts merged",
		zap.Int("fresh", len(fresh)),
		zap.Int("new", added),
		zap.Int("total", len(c.data.Contacts)))
	return c.contactsLocked(), c.saveLocked()
}

// PruneContacts drops contacts not seen within maxAge and returns how many
// were removed. Contacts without a last-seen stamp are kept.
func (c *DeviceCache) PruneContacts(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for key, ct := range c.data.Contacts {
		if !ct.LastSeen.IsZero() && ct.LastSeen.Before(cutoff) {
			delete(c.data.Contacts, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	c.log.Info("pruned stale contacts", zap.Int("removed", removed), zap.Int("kept", len(c.data.Contacts)))
	return removed, c.saveLocked()
}
