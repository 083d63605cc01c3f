package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go-meshcore-gateway/app/decoder"
	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

// ChannelInfo is the radio's descriptor of one channel slot. An empty
// Name marks an undefined slot.
type ChannelInfo struct {
	Index     int
	Name      string
	Secret    []byte
	SecretHex string
}

// ChannelSource queries channel slots on the radio.
type ChannelSource interface {
	GetChannel(ctx context.Context, index int) (ChannelInfo, error)
}

// KeyCache persists device-sourced channel keys between runs.
type KeyCache interface {
	ChannelKeys(ctx context.Context) (map[int]string, error)
	SetChannelKey(ctx context.Context, index int, secretHex string) error
}

// KeyRegistry receives the resolved keys.
type KeyRegistry interface {
	AddChannelKey(index int, secret []byte, origin decoder.KeyOrigin) error
	AddChannelKeyFromName(index int, name string) error
}

// Options tunes probing and retry.
type Options struct {
	MaxChannels   int
	MaxUndefined  int
	ProbeAttempts int
	RetryAttempts int
	ProbeDelay    time.Duration
	RetryInterval time.Duration
}

// DefaultOptions returns the stock discovery settings.
func DefaultOptions() Options {
	return Options{
		MaxChannels:   8,
		MaxUndefined:  3,
		ProbeAttempts: 1,
		RetryAttempts: 2,
		ProbeDelay:    300 * time.Millisecond,
		RetryInterval: 30 * time.Second,
	}
}

// Report summarises one discovery pass.
type Report struct {
	Channels  []models.Channel
	Confirmed []models.Channel
	FromCache []models.Channel
	Derived   []models.Channel
	Pending   []int
	Offline   bool // radio unreachable, channel list taken from cache
}

// Agent enumerates channel slots and resolves a key for each one, then
// keeps retrying the slots that only have a fallback key. It is not safe
// for concurrent use; the radio worker owns it.
type Agent struct {
	source  ChannelSource
	keys    KeyRegistry
	cache   KeyCache
	pending *PendingKeySet
	opts    Options
	log     *zap.Logger

	channels map[int]models.Channel
}

// NewAgent wires an agent. cache may be nil.
func NewAgent(source ChannelSource, keys KeyRegistry, cache KeyCache, opts Options, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = def.MaxChannels
	}
	if opts.MaxUndefined <= 0 {
		opts.MaxUndefined = def.MaxUndefined
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = def.ProbeAttempts
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	return &Agent{
		source:   source,
		keys:     keys,
		cache:    cache,
		pending:  NewPendingKeySet(),
		opts:     opts,
		log:      log.Named("discovery"),
		channels: make(map[int]models.Channel),
	}
}

// Pending exposes the retry queue.
func (a *Agent) Pending() *PendingKeySet {
	return a.pending
}

// RetryInterval is how often pending slots should be retried.
func (a *Agent) RetryInterval() time.Duration {
	return a.opts.RetryInterval
}

// Channels returns the channels known after the last pass, by index.
func (a *Agent) Channels() []models.Channel {
	indices := make([]int, 0, len(a.channels))
	for idx := range a.channels {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	out := make([]models.Channel, 0, len(indices))
	for _, idx := range indices {
		out = append(out, a.channels[idx])
	}
	return out
}

// Discover probes slots 0..maxChannels-1. maxChannels <= 0 uses the
// configured default. A slot whose probe fails falls back to its entry
// in cached; when the radio does not answer at all, cached is used as the
// whole channel list.
func (a *Agent) Discover(ctx context.Context, maxChannels int, cached []models.Channel) (Report, error) {
	if maxChannels <= 0 {
		maxChannels = a.opts.MaxChannels
	}
	a.pending.Reset()
	a.channels = make(map[int]models.Channel)

	cachedKeys := a.loadCachedKeys(ctx)
	cachedByIdx := make(map[int]models.Channel, len(cached))
	for _, ch := range cached {
		if ch.Index >= 0 && ch.Name != "" {
			cachedByIdx[ch.Index] = ch
		}
	}

	var rep Report
	answered := 0
	undefinedRun := 0
	for idx := 0; idx < maxChannels; idx++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		info, err := a.probe(ctx, idx, a.opts.ProbeAttempts)
		if err == nil {
			answered++
		}
		if err != nil || info.Name == "" {
			undefinedRun++
			if err != nil {
				a.log.Debug("channel probe failed", zap.Int("channel", idx), zap.Error(err))
				if ch, ok := cachedByIdx[idx]; ok {
					a.log.Warn("channel did not answer, using cached channel",
						zap.Int("channel", idx), zap.String("name", ch.Name))
					a.resolve(ctx, ChannelInfo{Index: idx, Name: ch.Name}, cachedKeys, &rep)
				}
			}
			if undefinedRun >= a.opts.MaxUndefined {
				a.log.Debug("stopping discovery early",
					zap.Int("channel", idx), zap.Int("undefined_run", undefinedRun))
				break
			}
			continue
		}
		undefinedRun = 0
		a.resolve(ctx, info, cachedKeys, &rep)
	}

	if answered == 0 && len(cachedByIdx) > 0 {
		rep.Offline = true
		for _, ch := range cached {
			if _, done := a.channels[ch.Index]; done {
				continue
			}
			if _, ok := cachedByIdx[ch.Index]; ok {
				a.resolve(ctx, ChannelInfo{Index: ch.Index, Name: ch.Name}, cachedKeys, &rep)
			}
		}
	}

	rep.Channels = a.Channels()
	rep.Pending = a.pending.List()
	a.logReport(rep)
	return rep, nil
}

// resolve registers the best available key for one named slot:
// device secret, then cached key, then name-derived.
func (a *Agent) resolve(ctx context.Context, info ChannelInfo, cachedKeys map[int]string, rep *Report) {
	ch := models.Channel{Index: info.Index, Name: info.Name}
	a.channels[ch.Index] = ch

	if secret, ok := ExtractSecret(info); ok {
		if err := a.keys.AddChannelKey(ch.Index, secret, decoder.OriginDevice); err == nil {
			a.pending.Remove(ch.Index)
			a.storeKey(ctx, ch.Index, secret)
			rep.Confirmed = append(rep.Confirmed, ch)
			return
		}
	}

	if hexKey, ok := cachedKeys[ch.Index]; ok {
		if secret, ok := secretFromHex(hexKey); ok {
			if err := a.keys.AddChannelKey(ch.Index, secret, decoder.OriginCache); err == nil {
				rep.FromCache = append(rep.FromCache, ch)
				return
			}
		}
		a.log.Warn("ignoring unusable cached channel key", zap.Int("channel", ch.Index))
	}

	if err := a.keys.AddChannelKeyFromName(ch.Index, ch.Name); err != nil {
		a.log.Error("could not derive channel key", zap.Int("channel", ch.Index), zap.Error(err))
		return
	}
	a.pending.Add(ch.Index)
	rep.Derived = append(rep.Derived, ch)
}

// RetryPending probes every pending slot once and promotes the ones that
// now return a device secret.
func (a *Agent) RetryPending(ctx context.Context) []int {
	var promoted []int
	for _, idx := range a.pending.List() {
		if ctx.Err() != nil {
			break
		}
		info, err := a.probe(ctx, idx, a.opts.RetryAttempts)
		if err != nil {
			a.log.Debug("pending channel still unreachable", zap.Int("channel", idx), zap.Error(err))
			continue
		}
		secret, ok := ExtractSecret(info)
		if !ok {
			continue
		}
		if err := a.keys.AddChannelKey(idx, secret, decoder.OriginDevice); err != nil {
			a.log.Warn("could not register device key", zap.Int("channel", idx), zap.Error(err))
			continue
		}
		a.pending.Remove(idx)
		a.storeKey(ctx, idx, secret)
		if info.Name != "" {
			a.channels[idx] = models.Channel{Index: idx, Name: info.Name}
		}
		promoted = append(promoted, idx)
		a.log.Info("channel key confirmed by device", zap.Int("channel", idx), zap.String("name", info.Name))
	}
	return promoted
}

// probe asks for a slot up to attempts times, pausing between failures.
// An undefined slot is a valid answer and is not retried.
func (a *Agent) probe(ctx context.Context, idx, attempts int) (ChannelInfo, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		info, err := a.source.GetChannel(ctx, idx)
		if err == nil {
			info.Index = idx
			return info, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ChannelInfo{}, ctx.Err()
		case <-time.After(a.opts.ProbeDelay):
		}
	}
	return ChannelInfo{}, fmt.Errorf("get channel %d: %w", idx, lastErr)
}

func (a *Agent) loadCachedKeys(ctx context.Context) map[int]string {
	if a.cache == nil {
		return nil
	}
	keys, err := a.cache.ChannelKeys(ctx)
	if err != nil {
		a.log.Warn("could not read cached channel keys", zap.Error(err))
		return nil
	}
	return keys
}

func (a *Agent) storeKey(ctx context.Context, idx int, secret []byte) {
	if a.cache == nil {
		return
	}
	if err := a.cache.SetChannelKey(ctx, idx, hex.EncodeToString(secret)); err != nil {
		a.log.Warn("could not cache channel key", zap.Int("channel", idx), zap.Error(err))
	}
}

func (a *Agent) logReport(rep Report) {
	a.log.Info("channel discovery finished",
		zap.Strings("confirmed", labels(rep.Confirmed)),
		zap.Strings("from_cache", labels(rep.FromCache)),
		zap.Strings("derived", labels(rep.Derived)),
		zap.Ints("pending", rep.Pending),
		zap.Bool("offline", rep.Offline))
	if len(rep.Pending) > 0 {
		a.log.Warn("channels not confirmed on device, sending may fail",
			zap.Strings("channels", labels(rep.Derived)))
	}
}

func labels(chs []models.Channel) []string {
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		out = append(out, fmt.Sprintf("[%d] %s", ch.Index, ch.Name))
	}
	return out
}
