// Package worker owns the radio: it connects, loads device data, runs
// channel discovery, feeds radio events to the event handler in arrival
// order, executes dashboard commands and reconnects after a loss.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-meshcore-gateway/app/client"
	"go-meshcore-gateway/app/config"
	"go-meshcore-gateway/app/decoder"
	"go-meshcore-gateway/app/dedup"
	"go-meshcore-gateway/app/discovery"
	"go-meshcore-gateway/app/events"
	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/models"
	"go-meshcore-gateway/app/shared"
	"go-meshcore-gateway/app/storage"

	"go.uber.org/zap"
)

// Status texts shown on the dashboard in degraded states.
const (
	StatusConnected   = "Connected"
	StatusOffline     = "offline — using cached data"
	StatusUnconfirmed = "unconfirmed channels — sending may fail"
)

const (
	loadAttempts   = 5
	loadRetryDelay = 300 * time.Millisecond
	commandQueue   = 16
)

// Radio is the companion-radio connection the worker drives.
type Radio interface {
	Connect(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
	Err() error
	Events() <-chan models.Event

	AppStart(ctx context.Context) (models.DeviceInfo, error)
	DeviceQuery(ctx context.Context) (models.DeviceInfo, error)
	GetChannel(ctx context.Context, index int) (discovery.ChannelInfo, error)
	SetChannel(ctx context.Context, index int, name string, secret []byte) error
	GetContacts(ctx context.Context) ([]models.Contact, error)
	SendChannelText(ctx context.Context, channel int, text string) error
	SendText(ctx context.Context, pubKey, text string) error
	SendAdvert(ctx context.Context, flood bool) error
	FetchWaitingMessages()
}

// Deps wires a Worker. Archive, Publisher, Keys and Metrics may be nil.
type Deps struct {
	Config    *config.Config
	Radio     Radio
	Store     *shared.Store
	Decoder   *decoder.PacketDecoder
	Cache     *storage.DeviceCache
	Keys      discovery.KeyCache // channel-key cache; defaults to Cache
	Archive   *storage.MessageArchive
	Publisher Publisher
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Worker is the single owner of radio I/O. Everything it does, including
// the discovery retries, happens on the goroutine running Run.
type Worker struct {
	cfg     *config.Config
	radio   Radio
	store   *shared.Store
	decoder *decoder.PacketDecoder
	cache   *storage.DeviceCache
	keys    discovery.KeyCache
	archive *storage.MessageArchive
	metrics *metrics.Metrics
	log     *zap.Logger

	sink     *sink
	handler  *events.Handler
	agent    *discovery.Agent
	commands chan Command

	offline bool // channels come from the cache
}

// New wires a worker and its event handler and discovery agent.
func New(d Deps) *Worker {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("worker")

	keys := d.Keys
	if keys == nil && d.Cache != nil {
		keys = d.Cache
	}

	s := &sink{store: d.Store, pub: d.Publisher}
	if d.Archive != nil {
		s.archive = d.Archive
	}

	w := &Worker{
		cfg:      d.Config,
		radio:    d.Radio,
		store:    d.Store,
		decoder:  d.Decoder,
		cache:    d.Cache,
		keys:     keys,
		archive:  d.Archive,
		metrics:  d.Metrics,
		log:      log,
		sink:     s,
		commands: make(chan Command, commandQueue),
	}
	w.handler = events.New(events.Deps{
		Decoder:  d.Decoder,
		Dedup:    dedup.New(d.Config.Dedup.MaxSize),
		Contacts: d.Store,
		Channels: d.Store,
		Sink:     s,
		Metrics:  d.Metrics,
		Log:      log,
	})

	dc := d.Config.Discovery
	w.agent = discovery.NewAgent(d.Radio, d.Decoder, keys, discovery.Options{
		MaxChannels:   dc.MaxChannels,
		MaxUndefined:  dc.MaxUndefined,
		ProbeAttempts: dc.ProbeAttempts,
		RetryAttempts: dc.RetryAttempts,
		ProbeDelay:    dc.ProbeDelay,
		RetryInterval: dc.RetryInterval,
	}, log)
	return w
}

// Run drives the radio until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdown()

	w.loadCache()

	err := w.connect(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.Warn("radio unavailable", zap.String("addr", w.cfg.RadioAddr()), zap.Error(err))
			w.markDisconnected()
			w.goOffline(ctx)
			if err = w.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Error("giving up on the radio until a refresh is requested", zap.Error(err))
				w.store.SetStatus(fmt.Sprintf("Disconnected: %v", err))
				if werr := w.wait(ctx, 0); werr != nil {
					return nil
				}
				err = w.connect(ctx)
				continue
			}
		}

		err = w.serve(ctx)
		if err == nil {
			return nil
		}
		w.metrics.Reconnect()
	}
}

// connect opens the radio and brings the session up: device data,
// channel keys, queued messages.
func (w *Worker) connect(ctx context.Context) error {
	w.store.SetStatus(fmt.Sprintf("Connecting to %s...", w.cfg.RadioAddr()))
	if err := w.radio.Connect(ctx); err != nil {
		return err
	}
	if err := w.loadData(ctx); err != nil {
		_ = w.radio.Close()
		return err
	}
	w.offline = false
	w.discover(ctx)
	w.radio.FetchWaitingMessages()

	w.store.SetConnected(true)
	w.updateStatus()
	w.log.Info("radio ready", zap.String("addr", w.cfg.RadioAddr()))
	return nil
}

// loadData fetches device info and contacts. Only a node that never
// answers APP_START fails the load.
func (w *Worker) loadData(ctx context.Context) error {
	w.store.SetStatus("Device info...")
	self, err := retry(ctx, loadAttempts, loadRetryDelay, func() (models.DeviceInfo, error) {
		return w.radio.AppStart(ctx)
	})
	if err != nil {
		return fmt.Errorf("app start: %w", err)
	}
	w.log.Info("app start ok", zap.String("name", self.Name))

	dev, err := retry(ctx, loadAttempts, loadRetryDelay, func() (models.DeviceInfo, error) {
		return w.radio.DeviceQuery(ctx)
	})
	if err != nil {
		w.log.Warn("device query failed", zap.Error(err))
	} else {
		w.log.Info("device query ok", zap.String("firmware", dev.FirmwareVersion), zap.String("model", dev.Model))
	}

	w.store.UpdateDevice(func(d *models.DeviceInfo) {
		*d = mergeDevice(self, dev)
	})
	if w.cache != nil {
		if err := w.cache.SetDevice(w.store.Device()); err != nil {
			w.log.Warn("could not cache device info", zap.Error(err))
		}
	}

	w.store.SetStatus("Contacts...")
	if err := w.refreshContacts(ctx); err != nil {
		if client.IsConnectionLost(err) {
			return err
		}
		w.log.Warn("could not load contacts, keeping cached ones", zap.Error(err))
	}
	return nil
}

// mergeDevice combines the APP_START self info with DEVICE_QUERY details.
func mergeDevice(self, dev models.DeviceInfo) models.DeviceInfo {
	out := self
	if dev.FirmwareVersion != "" {
		out.FirmwareVersion = dev.FirmwareVersion
	}
	out.FirmwareBuild = dev.FirmwareBuild
	out.Model = dev.Model
	out.MaxContacts = dev.MaxContacts
	out.MaxChannels = dev.MaxChannels
	return out
}

// discover runs a discovery pass and publishes its outcome.
func (w *Worker) discover(ctx context.Context) {
	w.store.SetStatus("Channel keys...")
	var cached []models.Channel
	if w.cache != nil {
		cached = w.cache.Channels()
	}
	rep, err := w.agent.Discover(ctx, w.store.Device().MaxChannels, cached)
	if err != nil {
		w.log.Warn("channel discovery interrupted", zap.Error(err))
		return
	}
	w.offline = rep.Offline
	w.store.SetChannels(rep.Channels)
	w.store.SetPendingChannels(rep.Pending)
	w.metrics.ChannelKeys(len(rep.Confirmed), len(rep.FromCache), len(rep.Derived), len(rep.Pending))
	w.metrics.PendingKeys(len(rep.Pending))

	if w.cache != nil && !rep.Offline && len(rep.Channels) > 0 {
		if err := w.cache.SetChannels(rep.Channels); err != nil {
			w.log.Warn("could not cache channels", zap.Error(err))
		}
	}
}

// goOffline registers keys for the cached channels once, so traffic
// heard after a reconnect can still be decrypted meanwhile.
func (w *Worker) goOffline(ctx context.Context) {
	if w.offline || w.decoder.HasKeys() {
		w.updateStatus()
		return
	}
	w.discover(ctx)
	w.updateStatus()
}

// retryPending probes the channels still on a fallback key.
func (w *Worker) retryPending(ctx context.Context) {
	if w.agent.Pending().Len() == 0 {
		return
	}
	if promoted := w.agent.RetryPending(ctx); len(promoted) > 0 {
		w.promoted(promoted)
	}
}

// promoted publishes channels that just got their device key.
func (w *Worker) promoted(indices []int) {
	pending := w.agent.Pending().List()
	w.store.SetChannels(w.agent.Channels())
	w.store.SetPendingChannels(pending)
	w.metrics.PendingKeys(len(pending))
	w.log.Info("pending channels confirmed", zap.Ints("channels", indices), zap.Int("still_pending", len(pending)))
	if w.store.Connected() {
		w.updateStatus()
	}
}

func (w *Worker) updateStatus() {
	switch {
	case w.offline || !w.store.Connected():
		w.store.SetStatus(StatusOffline)
	case w.agent.Pending().Len() > 0:
		w.store.SetStatus(StatusUnconfirmed)
	default:
		w.store.SetStatus(StatusConnected)
	}
}

func (w *Worker) markDisconnected() {
	w.store.SetConnected(false)
	w.store.SetStatus("Disconnected")
}

// serve is the event loop of one connected session. It returns nil when
// ctx is done and the cause otherwise.
func (w *Worker) serve(ctx context.Context) error {
	done := w.radio.Done()

	refresh, stopRefresh := every(w.cfg.Contacts.RefreshInterval)
	defer stopRefresh()
	cleanup, stopCleanup := every(w.cfg.Archive.CleanupInterval)
	defer stopCleanup()
	flush, stopFlush := every(storage.DefaultFlushInterval)
	defer stopFlush()
	retryKeys, stopRetry := every(w.agent.RetryInterval())
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			err := w.radio.Err()
			if err == nil {
				err = client.ErrNotConnected
			}
			w.log.Warn("radio connection lost", zap.Error(err))
			return err
		case ev := <-w.radio.Events():
			w.handler.Handle(ev)
		case cmd := <-w.commands:
			if err := w.run(ctx, cmd); err != nil {
				_ = w.radio.Close()
				return err
			}
		case <-refresh:
			if err := w.refreshContacts(ctx); err != nil {
				w.log.Warn("contact refresh failed", zap.Error(err))
				if client.IsConnectionLost(err) {
					_ = w.radio.Close()
					return err
				}
			}
		case <-cleanup:
			w.cleanupArchive()
		case <-flush:
			w.flushArchive()
		case <-retryKeys:
			w.retryPending(ctx)
		}
	}
}

// refreshContacts merges the radio's contacts into the cache, prunes
// stale ones and publishes the result.
func (w *Worker) refreshContacts(ctx context.Context) error {
	fresh, err := w.radio.GetContacts(ctx)
	if err != nil {
		return err
	}
	if w.cache == nil {
		w.store.SetContacts(fresh)
		return nil
	}
	if _, err := w.cache.MergeContacts(fresh); err != nil {
		w.log.Warn("could not save contact cache", zap.Error(err))
	}
	if _, err := w.cache.PruneContacts(w.cfg.Contacts.Retention); err != nil {
		w.log.Warn("could not prune contact cache", zap.Error(err))
	}
	w.store.SetContacts(w.cache.Contacts())
	return nil
}

func (w *Worker) cleanupArchive() {
	if w.archive == nil {
		return
	}
	msgs, rx, err := w.archive.Cleanup()
	if err != nil {
		w.log.Warn("archive cleanup failed", zap.Error(err))
		return
	}
	if msgs > 0 || rx > 0 {
		w.log.Info("archive cleaned up", zap.Int("messages", msgs), zap.Int("rx_log", rx))
	}
}

func (w *Worker) flushArchive() {
	if w.archive == nil {
		return
	}
	if err := w.archive.Flush(); err != nil {
		w.log.Warn("archive flush failed", zap.Error(err))
	}
}

// reconnect retries connect with a linear backoff, closing whatever is
// left of the old connection before each attempt.
func (w *Worker) reconnect(ctx context.Context) error {
	attempts := w.cfg.Reconnect.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		delay := w.cfg.Reconnect.BaseDelay * time.Duration(attempt)
		w.log.Info("reconnecting",
			zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Duration("delay", delay))
		w.store.SetStatus(fmt.Sprintf("Reconnecting %d/%d in %s...", attempt, attempts, delay))
		if err := w.wait(ctx, delay); err != nil {
			return err
		}

		_ = w.radio.Close()
		if err := w.connect(ctx); err != nil {
			w.log.Error("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			w.markDisconnected()
			continue
		}
		w.log.Info("reconnected", zap.Int("attempt", attempt))
		return nil
	}
	return fmt.Errorf("reconnect failed after %d attempts", attempts)
}

// wait services commands while disconnected, for d or, when d <= 0, until
// a refresh is requested.
func (w *Worker) wait(ctx context.Context, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return nil
		case cmd := <-w.commands:
			if cmd.Action == ActionRefresh && d <= 0 {
				cmd.reply(nil)
				return nil
			}
			if cmd.Action == ActionRefresh {
				cmd.reply(fmt.Errorf("refresh: %w", client.ErrNotConnected))
				continue
			}
			_ = w.run(ctx, cmd)
		}
	}
}

// loadCache shows the last known device state before the radio answers.
func (w *Worker) loadCache() {
	if w.cache == nil || !w.cache.HasCache() {
		return
	}
	if dev, ok := w.cache.Device(); ok {
		w.store.SetDevice(dev)
	}
	channels := w.cache.Channels()
	if len(channels) > 0 {
		w.store.SetChannels(channels)
	}
	contacts := w.cache.Contacts()
	if len(contacts) > 0 {
		w.store.SetContacts(contacts)
	}
	w.log.Info("loaded device cache",
		zap.String("path", w.cache.Path()),
		zap.Time("last_updated", w.cache.LastUpdated()),
		zap.Int("channels", len(channels)),
		zap.Int("contacts", len(contacts)))
}

func (w *Worker) shutdown() {
	w.flushArchive()
	_ = w.radio.Close()
	w.store.SetConnected(false)
}

// every ticks every d. A non-positive d never ticks.
func every(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// retry calls fn up to attempts times, pausing between failures. A lost
// connection is not retried.
func retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if client.IsConnectionLost(err) || errors.Is(err, context.Canceled) {
			break
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
