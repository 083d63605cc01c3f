package events

import (
	"fmt"
	"strings"
	"time"

	"go-meshcore-gateway/app/decoder"
	"go-meshcore-gateway/app/dedup"
	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives everything the handler produces.
type Sink interface {
	AddMessage(msg models.Message)
	AddRxLog(entry models.RxLogEntry)
}

// Contacts is the contact directory as seen by the handler.
type Contacts interface {
	ByName(name string) (models.Contact, bool)
	ByHash(hash string) (models.Contact, bool)
	NameByPrefix(prefix string) string
	ResolvePathNames(hashes []string) []string
}

// ChannelNames resolves a channel index to its display name.
type ChannelNames interface {
	ChannelName(index int) string
}

// Decoder turns raw packet hex into a decoded packet, or nil.
type Decoder interface {
	Decode(payloadHex string) *decoder.DecodedPacket
}

// Deps wires a Handler.
type Deps struct {
	Decoder       Decoder
	Dedup         *dedup.DualDeduplicator
	Contacts      Contacts
	Channels      ChannelNames // optional
	Sink          Sink
	Metrics       *metrics.Metrics // optional
	Log           *zap.Logger
	PathCacheSize int
}

// Handler turns inbound radio events into messages and RX-log entries.
// It is not safe for concurrent use; the worker calls it from one goroutine.
type Handler struct {
	decoder  Decoder
	dedup    *dedup.DualDeduplicator
	contacts Contacts
	channels ChannelNames
	sink     Sink
	paths    *pathCache
	metrics  *metrics.Metrics
	log      *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates a handler.
func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	dd := d.Dedup
	if dd == nil {
		dd = dedup.New(dedup.DefaultMaxSize)
	}
	return &Handler{
		decoder:  d.Decoder,
		dedup:    dd,
		contacts: d.Contacts,
		channels: d.Channels,
		sink:     d.Sink,
		paths:    newPathCache(d.PathCacheSize),
		metrics:  d.Metrics,
		log:      log.Named("events"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// Handle dispatches one event. A panic inside a handler is logged and
// swallowed so one bad event never stops the caller's loop.
func (h *Handler) Handle(ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.HandlerPanic()
			h.log.Error("event handler panicked",
				zap.String("event", models.EventKind(ev)),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()

	switch e := ev.(type) {
	case models.RxLogEvent:
		h.OnRxLog(e)
	case models.ChannelMsgEvent:
		h.OnChannelMsg(e)
	case models.ContactMsgEvent:
		h.OnContactMsg(e)
	default:
		h.log.Debug("ignoring unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// OnRxLog handles a raw packet. It always records an RX-log entry and
// emits a message only for a decrypted group text.
func (h *Handler) OnRxLog(ev models.RxLogEvent) {
	entry := models.RxLogEntry{
		ID:          h.newID(),
		Time:        h.now(),
		SNR:         ev.SNR,
		RSSI:        ev.RSSI,
		PayloadType: "?",
		Hops:        ev.PathLen,
		PathHashes:  []string{},
		PathNames:   []string{},
	}

	var pkt *decoder.DecodedPacket
	if ev.PayloadHex != "" && h.decoder != nil {
		pkt = h.decoder.Decode(ev.PayloadHex)
	}
	if pkt == nil {
		h.metrics.PacketMalformed()
		h.sink.AddRxLog(entry)
		return
	}

	h.metrics.PacketDecoded(pkt.PayloadType.String(), pkt.IsDecrypted)
	entry.PayloadType = pkt.PayloadType.String()
	entry.MessageHash = pkt.MessageHash
	entry.Hops = pkt.PathLength
	entry.PathHashes = pkt.PathHashesCopy()
	entry.PathNames = h.resolvePathNames(entry.PathHashes)
	entry.Sender, entry.Receiver = h.packetParties(pkt)

	h.paths.put(pkt.MessageHash, pkt.PathHashes)

	if pkt.PayloadType == models.PayloadGroupText && pkt.IsDecrypted {
		h.emitDecrypted(pkt, ev.SNR)
	}
	h.sink.AddRxLog(entry)
}

func (h *Handler) emitDecrypted(pkt *decoder.DecodedPacket, snr float64) {
	if h.dedup.IsHashSeen(pkt.MessageHash) {
		h.metrics.MessageSuppressed("hash")
		h.log.Debug("rx log message suppressed (hash)", zap.String("hash", pkt.MessageHash))
		return
	}
	h.dedup.MarkHash(pkt.MessageHash)
	h.dedup.MarkContent(pkt.Sender, pkt.ChannelIndex, pkt.Text)

	hashes := pkt.PathHashesCopy()
	msg := models.Message{
		ID:           h.newID(),
		Time:         h.now(),
		Sender:       pkt.Sender,
		Text:         pkt.Text,
		Channel:      copyInt(pkt.ChannelIndex),
		Direction:    models.DirectionIn,
		SNR:          &snr,
		PathLen:      pkt.PathLength,
		SenderPubKey: h.pubKeyByName(pkt.Sender),
		PathHashes:   hashes,
		PathNames:    h.resolvePathNames(hashes),
		MessageHash:  pkt.MessageHash,
		ChannelName:  h.channelName(pkt.ChannelIndex),
	}

	h.log.Debug("rx log message",
		zap.String("hash", msg.MessageHash),
		zap.String("sender", msg.Sender),
		zap.String("channel", models.ChannelLabel(msg.Channel)),
		zap.Strings("path", msg.PathHashes))
	h.metrics.MessageEmitted("rx_log")
	h.sink.AddMessage(msg)
}

// OnChannelMsg handles a group message parsed by the radio firmware.
func (h *Handler) OnChannelMsg(ev models.ChannelMsgEvent) {
	if h.dedup.IsHashSeen(ev.MessageHash) {
		h.metrics.MessageSuppressed("hash")
		h.log.Debug("channel message suppressed (hash)", zap.String("hash", ev.MessageHash))
		return
	}

	sender, body := SplitSender(ev.Text)
	if h.dedup.IsContentSeen(sender, ev.ChannelIdx, body) {
		h.metrics.MessageSuppressed("content")
		h.log.Debug("channel message suppressed (content)", zap.String("sender", sender))
		return
	}
	h.dedup.MarkHash(ev.MessageHash)
	h.dedup.MarkContent(sender, ev.ChannelIdx, body)

	hashes := h.paths.pop(ev.MessageHash)
	if hashes == nil {
		hashes = []string{}
	}
	msg := models.Message{
		ID:           h.newID(),
		Time:         h.now(),
		Sender:       sender,
		Text:         body,
		Channel:      copyInt(ev.ChannelIdx),
		Direction:    models.DirectionIn,
		SNR:          copyFloat(ev.SNR),
		PathLen:      normalizePathLen(ev.PathLen, hashes),
		SenderPubKey: h.pubKeyByName(sender),
		PathHashes:   hashes,
		PathNames:    h.resolvePathNames(hashes),
		MessageHash:  ev.MessageHash,
		ChannelName:  h.channelName(ev.ChannelIdx),
	}
	h.metrics.MessageEmitted("channel_msg")
	h.sink.AddMessage(msg)
}

// OnContactMsg handles a direct message. Room server posts (signed plain
// text) carry the author's key prefix in the signature; the room itself
// stays the sender key.
func (h *Handler) OnContactMsg(ev models.ContactMsgEvent) {
	hashes := h.paths.pop(ev.MessageHash)
	if hashes == nil {
		hashes = []string{}
	}

	var sender string
	if ev.TxtType == models.TxtTypeSignedPlain && ev.Signature != "" {
		sender = h.nameByPrefix(ev.Signature)
	} else {
		sender = h.nameByPrefix(ev.PubKeyPrefix)
	}

	msg := models.Message{
		ID:           h.newID(),
		Time:         h.now(),
		Sender:       sender,
		Text:         ev.Text,
		Direction:    models.DirectionIn,
		SNR:          copyFloat(ev.SNR),
		PathLen:      normalizePathLen(ev.PathLen, hashes),
		SenderPubKey: ev.PubKeyPrefix,
		PathHashes:   hashes,
		PathNames:    h.resolvePathNames(hashes),
		MessageHash:  ev.MessageHash,
	}
	h.log.Debug("direct message", zap.String("sender", sender), zap.Int("path_len", msg.PathLen))
	h.metrics.MessageEmitted("contact_msg")
	h.sink.AddMessage(msg)
}

// SplitSender splits the "Sender: body" convention. Text without the
// separator has no identifiable sender.
func SplitSender(text string) (sender, body string) {
	if name, rest, ok := strings.Cut(text, ": "); ok {
		return strings.TrimSpace(name), rest
	}
	return "", text
}

// normalizePathLen trusts recovered hop hashes over the header value and
// maps the unknown sentinel to zero.
func normalizePathLen(pathLen int, hashes []string) int {
	if len(hashes) > 0 {
		return len(hashes)
	}
	if pathLen == models.UnknownPathLen || pathLen < 0 {
		return 0
	}
	return pathLen
}

func (h *Handler) packetParties(pkt *decoder.DecodedPacket) (sender, receiver string) {
	switch {
	case pkt.AdvertPubKey != "":
		sender = pkt.AdvertName
		if sender == "" {
			sender = h.nameByPrefix(pkt.AdvertPubKey)
		}
	case pkt.IsDecrypted:
		sender = pkt.Sender
	case pkt.SourceHash != "":
		sender = h.nameByHash(pkt.SourceHash)
		receiver = h.nameByHash(pkt.DestHash)
	}
	return sender, receiver
}

func (h *Handler) resolvePathNames(hashes []string) []string {
	if h.contacts == nil || len(hashes) == 0 {
		return make([]string, len(hashes))
	}
	return h.contacts.ResolvePathNames(hashes)
}

func (h *Handler) pubKeyByName(name string) string {
	if name == "" || h.contacts == nil {
		return ""
	}
	if c, ok := h.contacts.ByName(name); ok {
		return c.PublicKey
	}
	return ""
}

func (h *Handler) nameByPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	if h.contacts == nil {
		if len(prefix) > 8 {
			return prefix[:8]
		}
		return prefix
	}
	return h.contacts.NameByPrefix(prefix)
}

func (h *Handler) nameByHash(hash string) string {
	if h.contacts != nil {
		if c, ok := h.contacts.ByHash(hash); ok && c.AdvName != "" {
			return c.AdvName
		}
	}
	return "0x" + strings.ToUpper(hash)
}

func (h *Handler) channelName(idx *int) string {
	if idx == nil || h.channels == nil {
		return ""
	}
	return h.channels.ChannelName(*idx)
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
