package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

// Archive defaults.
const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 60 * time.Second
)

// ArchiveOptions tunes a MessageArchive. Zero values take the defaults;
// a zero retention keeps everything.
type ArchiveOptions struct {
	BatchSize        int
	FlushInterval    time.Duration
	MessageRetention time.Duration
	RxLogRetention   time.Duration
}

// ArchiveStats reports archive sizes.
type ArchiveStats struct {
	Messages        int `json:"totalMessages"`
	RxLog           int `json:"totalRxLog"`
	PendingMessages int `json:"pendingMessages"`
	PendingRxLog    int `json:"pendingRxLog"`
}

// Query filters archived messages. Empty fields do not filter.
type Query struct {
	After       time.Time
	Before      time.Time
	ChannelName *string // exact match
	Sender      string  // case-insensitive substring
	Text        string  // case-insensitive substring
	Limit       int
	Offset      int
}

type messageFile struct {
	Version     int              `json:"version"`
	Address     string           `json:"address"`
	LastUpdated time.Time        `json:"last_updated"`
	Messages    []models.Message `json:"messages"`
}

type rxLogFile struct {
	Version     int                 `json:"version"`
	Address     string              `json:"address"`
	LastUpdated time.Time           `json:"last_updated"`
	Entries     []models.RxLogEntry `json:"entries"`
}

// MessageArchive keeps every message and RX-log entry on disk, while the
// shared store only holds the latest few for the dashboard. Writes are
// buffered and flushed in batches.
type MessageArchive struct {
	mu sync.Mutex

	address      string
	messagesPath string
	rxLogPath    string
	opts         ArchiveOptions

	messages []models.Message
	entries  []models.RxLogEntry
	msgBuf   []models.Message
	rxBuf    []models.RxLogEntry

	// set when a file on disk could not be read; nothing is written over it
	msgBlocked error
	rxBlocked  error

	lastFlush time.Time
	onFlush   func()
	now       func() time.Time
	log       *zap.Logger
}

// OpenArchive opens the archive files for address under dir.
func OpenArchive(dir, address string, opts ArchiveOptions, log *zap.Logger) *MessageArchive {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	name := SafeName(address)
	a := &MessageArchive{
		address:      address,
		messagesPath: filepath.Join(dir, "archive", name+"_messages.json"),
		rxLogPath:    filepath.Join(dir, "archive", name+"_rxlog.json"),
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log.Named("archive"),
	}
	a.lastFlush = a.now()
	a.load()
	return a
}

// SetFlushHook registers fn to run after every successful write.
func (a *MessageArchive) SetFlushHook(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFlush = fn
}

func (a *MessageArchive) load() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := checkVersion(a.messagesPath); err != nil {
		a.msgBlocked = err
	} else {
		var f messageFile
		if _, err := readJSON(a.messagesPath, &f); err != nil {
			a.msgBlocked = err
		} else {
			a.messages = f.Messages
		}
	}
	if a.msgBlocked != nil {
		a.log.Warn("message archive is read-only", zap.String("path", a.messagesPath), zap.Error(a.msgBlocked))
	}

	if err := checkVersion(a.rxLogPath); err != nil {
		a.rxBlocked = err
	} else {
		var f rxLogFile
		if _, err := readJSON(a.rxLogPath, &f); err != nil {
			a.rxBlocked = err
		} else {
			a.entries = f.Entries
		}
	}
	if a.rxBlocked != nil {
		a.log.Warn("rx log archive is read-only", zap.String("path", a.rxLogPath), zap.Error(a.rxBlocked))
	}

	a.log.Info("archive loaded",
		zap.Int("messages", len(a.messages)),
		zap.Int("rx_log", len(a.entries)))
}

// AddMessage buffers msg for the next flush.
func (a *MessageArchive) AddMessage(msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgBuf = append(a.msgBuf, msg)
	if len(a.msgBuf) >= a.opts.BatchSize {
		a.flushMessagesLocked()
	} else if a.flushDueLocked() {
		a.flushAllLocked()
	}
}

// AddRxLog buffers entry for the next flush.
func (a *MessageArchive) AddRxLog(entry models.RxLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rxBuf = append(a.rxBuf, entry)
	if len(a.rxBuf) >= a.opts.BatchSize {
		a.flushRxLogLocked()
	} else if a.flushDueLocked() {
		a.flushAllLocked()
	}
}

// Flush writes every buffered item.
func (a *MessageArchive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushAllLocked()
}

func (a *MessageArchive) flushDueLocked() bool {
	return a.now().Sub(a.lastFlush) >= a.opts.FlushInterval
}

func (a *MessageArchive) flushAllLocked() error {
	errMsg := a.flushMessagesLocked()
	errRx := a.flushRxLogLocked()
	if errMsg != nil {
		return errMsg
	}
	return errRx
}

// flushMessagesLocked keeps the buffer when the write fails so the next
// flush retries it.
func (a *MessageArchive) flushMessagesLocked() error {
	if len(a.msgBuf) == 0 {
		return nil
	}
	if a.msgBlocked != nil {
		return a.msgBlocked
	}
	all := append(append([]models.Message(nil), a.messages...), a.msgBuf...)
	if err := a.writeMessages(all); err != nil {
		a.log.Warn("message flush failed", zap.Int("buffered", len(a.msgBuf)), zap.Error(err))
		return err
	}
	a.log.Debug("messages flushed", zap.Int("count", len(a.msgBuf)), zap.Int("total", len(all)))
	a.messages = all
	a.msgBuf = nil
	a.flushedLocked()
	return nil
}

func (a *MessageArchive) flushRxLogLocked() error {
	if len(a.rxBuf) == 0 {
		return nil
	}
	if a.rxBlocked != nil {
		return a.rxBlocked
	}
	all := append(append([]models.RxLogEntry(nil), a.entries...), a.rxBuf...)
	if err := a.writeRxLog(all); err != nil {
		a.log.Warn("rx log flush failed", zap.Int("buffered", len(a.rxBuf)), zap.Error(err))
		return err
	}
	a.log.Debug("rx log flushed", zap.Int("count", len(a.rxBuf)), zap.Int("total", len(all)))
	a.entries = all
	a.rxBuf = nil
	a.flushedLocked()
	return nil
}

func (a *MessageArchive) flushedLocked() {
	a.lastFlush = a.now()
	if a.onFlush != nil {
		a.onFlush()
	}
}

func (a *MessageArchive) writeMessages(msgs []models.Message) error {
	return writeJSON(a.messagesPath, messageFile{
		Version:     FormatVersion,
		Address:     a.address,
		LastUpdated: a.now(),
		Messages:    msgs,
	})
}

func (a *MessageArchive) writeRxLog(entries []models.RxLogEntry) error {
	return writeJSON(a.rxLogPath, rxLogFile{
		Version:     FormatVersion,
		Address:     a.address,
		LastUpdated: a.now(),
		Entries:     entries,
	})
}

// Cleanup flushes, then drops messages and RX-log entries older than their
// retention. It returns how many of each were removed.
func (a *MessageArchive) Cleanup() (messages, rxLog int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.flushAllLocked(); err != nil {
		return 0, 0, fmt.Errorf("flush before cleanup: %w", err)
	}
	now := a.now()

	if r := a.opts.MessageRetention; r > 0 && a.msgBlocked == nil {
		cutoff := now.Add(-r)
		kept := a.messages[:0:0]
		for _, m := range a.messages {
			if m.Time.After(cutoff) {
				kept = append(kept, m)
			}
		}
		if removed := len(a.messages) - len(kept); removed > 0 {
			if err := a.writeMessages(kept); err != nil {
				return 0, 0, fmt.Errorf("write messages: %w", err)
			}
			a.messages = kept
			messages = removed
		}
	}

	if r := a.opts.RxLogRetention; r > 0 && a.rxBlocked == nil {
		cutoff := now.Add(-r)
		kept := a.entries[:0:0]
		for _, e := range a.entries {
			if e.Time.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if removed := len(a.entries) - len(kept); removed > 0 {
			if err := a.writeRxLog(kept); err != nil {
				return messages, 0, fmt.Errorf("write rx log: %w", err)
			}
			a.entries = kept
			rxLog = removed
		}
	}

	if messages > 0 || rxLog > 0 {
		a.log.Info("archive cleanup",
			zap.Int("messages_removed", messages),
			zap.Int("rx_log_removed", rxLog),
			zap.Int("messages_kept", len(a.messages)),
			zap.Int("rx_log_kept", len(a.entries)))
	}
	return messages, rxLog, nil
}

// MessageByHash finds an archived message by packet hash, including
// messages still waiting in the buffer.
func (a *MessageArchive) MessageByHash(hash string) (models.Message, bool) {
	if hash == "" {
		return models.Message{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.msgBuf) - 1; i >= 0; i-- {
		if a.msgBuf[i].MessageHash == hash {
			return a.msgBuf[i], true
		}
	}
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].MessageHash == hash {
			return a.messages[i], true
		}
	}
	return models.Message{}, false
}

// MessagesBySender returns up to limit messages whose sender key starts
// with prefix, oldest first. Room server history is stored under the
// room's key prefix.
func (a *MessageArchive) MessagesBySender(prefix string, limit int) []models.Message {
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	prefix = strings.ToLower(prefix)
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.Message
	for _, m := range a.allMessagesLocked() {
		if prefix != "" && strings.HasPrefix(strings.ToLower(m.SenderPubKey), prefix) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Query returns one page of matching messages, newest first, and the total
// number of matches.
func (a *MessageArchive) Query(q Query) ([]models.Message, int) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	sender := strings.ToLower(q.Sender)
	text := strings.ToLower(q.Text)

	a.mu.Lock()
	all := a.allMessagesLocked()
	a.mu.Unlock()

	var matched []models.Message
	for _, m := range all {
		if !q.After.IsZero() && m.Time.Before(q.After) {
			continue
		}
		if !q.Before.IsZero() && m.Time.After(q.Before) {
			continue
		}
		if q.ChannelName != nil && m.ChannelName != *q.ChannelName {
			continue
		}
		if sender != "" && !strings.Contains(strings.ToLower(m.Sender), sender) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(m.Text), text) {
			continue
		}
		matched = append(matched, m)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Time.After(matched[j].Time) })

	total := len(matched)
	if q.Offset >= total {
		return []models.Message{}, total
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total
}

// ChannelNames lists the distinct non-empty channel names seen in the archive.
func (a *MessageArchive) ChannelNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[string]struct{}{}
	for _, m := range a.allMessagesLocked() {
		if m.ChannelName != "" {
			seen[m.ChannelName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *MessageArchive) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArchiveStats{
		Messages:        len(a.messages),
		RxLog:           len(a.entries),
		PendingMessages: len(a.msgBuf),
		PendingRxLog:    len(a.rxBuf),
	}
}

func (a *MessageArchive) allMessagesLocked() []models.Message {
	out := make([]models.Message, 0, len(a.messages)+len(a.msgBuf))
	out = append(out, a.messages...)
	return append(out, a.msgBuf...)
}
