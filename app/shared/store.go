package shared

import (
	"sync"

	"go-meshcore-gateway/app/contacts"
	"go-meshcore-gateway/app/models"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Store limits.
const (
	MaxMessages     = 100
	MaxRxLog        = 50
	MaxFingerprints = 1000
)

// Snapshot is a point-in-time copy of the store for the dashboard.
type Snapshot struct {
	Device          models.DeviceInfo         `json:"device"`
	Connected       bool                      `json:"connected"`
	Status          string                    `json:"status"`
	Contacts        map[string]models.Contact `json:"contacts"`
	Channels        []models.Channel          `json:"channels"`
	PendingChannels []int                     `json:"pendingChannels"`
	Messages        []models.Message          `json:"messages"`
	RxLog           []models.RxLogEntry       `json:"rxLog"`

	DeviceUpdated   bool `json:"deviceUpdated"`
	ContactsUpdated bool `json:"contactsUpdated"`
	ChannelsUpdated bool `json:"channelsUpdated"`
	MessagesUpdated bool `json:"messagesUpdated"`
	RxLogUpdated    bool `json:"rxLogUpdated"`
}

// Store is the state shared between the radio worker, which writes, and
// the dashboard, which reads. Every method takes the single lock.
type Store struct {
	mu sync.Mutex

	device    models.DeviceInfo
	connected bool
	status    string
	channels  []models.Channel
	pending   []int
	messages  []models.Message
	rxLog     []models.RxLogEntry // newest first

	contacts     *contacts.Directory
	fingerprints *lru.Cache[string, struct{}]

	deviceUpdated   bool
	contactsUpdated bool
	channelsUpdated bool
	messagesUpdated bool
	rxLogUpdated    bool

	log *zap.Logger
}

// NewStore creates an empty store. All update flags start set so the
// first dashboard render shows everything.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	fp, _ := lru.New[string, struct{}](MaxFingerprints)
	return &Store{
		status:          "Starting...",
		contacts:        contacts.NewDirectory(),
		fingerprints:    fp,
		deviceUpdated:   true,
		contactsUpdated: true,
		channelsUpdated: true,
		messagesUpdated: true,
		rxLogUpdated:    true,
		log:             log.Named("shared"),
	}
}

// Contacts exposes the contact directory. It carries its own lock.
func (s *Store) Contacts() *contacts.Directory {
	return s.contacts
}

func (s *Store) SetDevice(info models.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = info
	s.deviceUpdated = true
}

// UpdateDevice applies fn to the device info under the lock.
func (s *Store) UpdateDevice(fn func(*models.DeviceInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.device)
	s.deviceUpdated = true
}

func (s *Store) Device() models.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *Store) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetContacts replaces the contact set.
func (s *Store) SetContacts(list []models.Contact) {
	s.contacts.Replace(list)
	s.mu.Lock()
	s.contactsUpdated = true
	s.mu.Unlock()
	s.log.Debug("contacts updated", zap.Int("count", len(list)))
}

func (s *Store) SetChannels(channels []models.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append([]models.Channel(nil), channels...)
	s.channelsUpdated = true
}

// SetPendingChannels records channels still on a fallback key.
func (s *Store) SetPendingChannels(indices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]int(nil), indices...)
	s.channelsUpdated = true
}

func (s *Store) PendingChannels() []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Channel, 0, len(s.pending))
	for _, idx := range s.pending {
		ch := models.Channel{Index: idx}
		for _, c := range s.channels {
			if c.Index == idx {
				ch.Name = c.Name
				break
			}
		}
		out = append(out, ch)
	}
	return out
}

func (s *Store) Channels() []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Channel(nil), s.channels...)
}

// ChannelName returns the display name of a channel slot.
func (s *Store) ChannelName(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.Index == index {
			return c.Name
		}
	}
	return ""
}

// AddMessage appends msg, keeping the newest MaxMessages. Incoming
// messages whose fingerprint is already stored are rejected.
func (s *Store) AddMessage(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Direction == models.DirectionIn {
		fp := msg.Fingerprint()
		if s.fingerprints.Contains(fp) {
			s.log.Debug("duplicate message rejected", zap.String("fingerprint", fp))
			return false
		}
		s.fingerprints.Add(fp, struct{}{})
	}

	s.messages = append(s.messages, msg)
	if over := len(s.messages) - MaxMessages; over > 0 {
		s.messages = append([]models.Message(nil), s.messages[over:]...)
	}
	s.messagesUpdated = true
	return true
}

// AddRxLog prepends entry, keeping the newest MaxRxLog.
func (s *Store) AddRxLog(entry models.RxLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rxLog = append(s.rxLog, models.RxLogEntry{})
	copy(s.rxLog[1:], s.rxLog)
	s.rxLog[0] = entry
	if len(s.rxLog) > MaxRxLog {
		s.rxLog = s.rxLog[:MaxRxLog]
	}
	s.rxLogUpdated = true
}

// MessageByHash finds a stored message by packet hash.
func (s *Store) MessageByHash(hash string) (models.Message, bool) {
	if hash == "" {
		return models.Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].MessageHash == hash {
			return s.messages[i], true
		}
	}
	return models.Message{}, false
}

// Snapshot copies the store without touching the update flags.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SnapshotAndClear copies the store and clears the update flags in one
// step so no update is lost between reading and clearing.
func (s *Store) SnapshotAndClear() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	s.deviceUpdated = false
	s.contactsUpdated = false
	s.channelsUpdated = false
	s.messagesUpdated = false
	s.rxLogUpdated = false
	return snap
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Device:          s.device,
		Connected:       s.connected,
		Status:          s.status,
		Contacts:        s.contacts.Snapshot(),
		Channels:        append([]models.Channel(nil), s.channels...),
		PendingChannels: append([]int(nil), s.pending...),
		Messages:        append([]models.Message(nil), s.messages...),
		RxLog:           append([]models.RxLogEntry(nil), s.rxLog...),
		DeviceUpdated:   s.deviceUpdated,
		ContactsUpdated: s.contactsUpdated,
		ChannelsUpdated: s.channelsUpdated,
		MessagesUpdated: s.messagesUpdated,
		RxLogUpdated:    s.rxLogUpdated,
	}
}

// Contact lookups, delegated to the directory.

func (s *Store) ByPrefix(prefix string) (models.Contact, bool) { return s.contacts.ByPrefix(prefix) }
func (s *Store) ByName(name string) (models.Contact, bool) { return s.contacts.ByName(name) }
func (s *Store) ByHash(hash string) (models.Contact, bool) { return s.contacts.ByHash(hash) }
func (s *Store) NameByPrefix(prefix string) string { return s.contacts.NameByPrefix(prefix) }
func (s *Store) ResolvePathNames(hashes []string) []string { return s.contacts.ResolvePathNames(hashes) }
