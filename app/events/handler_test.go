package events

import (
	"encoding/hex"
	"testing"

	"go-meshcore-gateway/app/contacts"
	"go-meshcore-gateway/app/decoder"
	"go-meshcore-gateway/app/decoder/decodertest"
	"go-meshcore-gateway/app/dedup"
	"go-meshcore-gateway/app/models"

	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	messages []models.Message
	rxlog    []models.RxLogEntry
}

func (s *recordingSink) AddMessage(m models.Message) { s.messages = append(s.messages, m) }
func (s *recordingSink) AddRxLog(e models.RxLogEntry) { s.rxlog = append(s.rxlog, e) }
func (s *recordingSink) last() models.Message { return s.messages[len(s.messages)-1] }
func (s *recordingSink) lastRx() models.RxLogEntry { return s.rxlog[len(s.rxlog)-1] }

type channelTable map[int]string

func (c channelTable) ChannelName(idx int) string { return c[idx] }

type panickyDecoder struct{}

func (panickyDecoder) Decode(string) *decoder.DecodedPacket { panic("boom") }

func newHandler(t *testing.T) (*Handler, *recordingSink, *decoder.PacketDecoder, *contacts.Directory) {
	t.Helper()
	dec := decoder.New(zaptest.NewLogger(t))
	if err := dec.AddChannelKeyFromName(0, "#test"); err != nil {
		t.Fatal(err)
	}
	dir := contacts.NewDirectory()
	dir.Replace([]models.Contact{
		{PublicKey: "a1aaaaaaaaaaaaaa", AdvName: "Hilltop", Type: models.NodeTypeRepeater},
		{PublicKey: "b2bbbbbbbbbbbbbb", AdvName: "Harbour", Type: models.NodeTypeRepeater},
		{PublicKey: "ccdd001122334455", AdvName: "Alice"},
	})
	sink := &recordingSink{}
	h := New(Deps{
		Decoder:  dec,
		Dedup:    dedup.New(200),
		Contacts: dir,
		Channels: channelTable{0: "#test"},
		Sink:     sink,
		Log:      zaptest.NewLogger(t),
	})
	return h, sink, dec, dir
}

func TestRawPacketThenParsedMessageEmitsOnce(t *testing.T) {
	h, sink, dec, _ := newHandler(t)

	raw := decodertest.GroupTextHex(decodertest.Secret("#test"), 1700000000, "Alice", "hello", []byte{0xa1, 0xb2})
	pkt := dec.Decode(raw)
	if pkt == nil {
		t.Fatal("fixture packet does not decode")
	}

	h.Handle(models.RxLogEvent{SNR: 7.5, RSSI: -90, PayloadHex: raw})
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sink.messages))
	}
	msg := sink.last()
	if msg.Direction != models.DirectionIn || msg.Sender != "Alice" || msg.Text != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.PathLen != 2 || len(msg.PathHashes) != 2 || msg.PathHashes[0] != "a1" || msg.PathHashes[1] != "b2" {
		t.Fatalf("unexpected path: %d %v", msg.PathLen, msg.PathHashes)
	}
	if msg.PathNames[0] != "Hilltop" || msg.PathNames[1] != "Harbour" {
		t.Fatalf("path names = %v", msg.PathNames)
	}
	if msg.SenderPubKey != "ccdd001122334455" || msg.ChannelName != "#test" {
		t.Fatalf("sender key %q channel %q", msg.SenderPubKey, msg.ChannelName)
	}
	if msg.MessageHash != pkt.MessageHash {
		t.Fatalf("hash = %s want %s", msg.MessageHash, pkt.MessageHash)
	}
	if len(sink.rxlog) != 1 || sink.lastRx().PayloadType != "GroupText" || sink.lastRx().Sender != "Alice" {
		t.Fatalf("rx log = %+v", sink.rxlog)
	}

	h.Handle(models.ChannelMsgEvent{
		ChannelIdx:  models.IntPtr(0),
		Text:        "Alice: hello",
		PathLen:     2,
		MessageHash: pkt.MessageHash,
	})
	if len(sink.messages) != 1 {
		t.Fatalf("parsed duplicate was not suppressed: %d messages", len(sink.messages))
	}
}

func TestRawPacketThenHashlessParsedMessageEmitsOnce(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	raw := decodertest.GroupTextHex(decodertest.Secret("#test"), 1700000000, "Alice", "hello", []byte{0xa1, 0xb2})
	h.Handle(models.RxLogEvent{PayloadHex: raw})
	// the radio's parsed event never carries a packet hash
	h.Handle(models.ChannelMsgEvent{ChannelIdx: models.IntPtr(0), Text: "Alice: hello", PathLen: 2})
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sink.messages))
	}
	if msg := sink.last(); msg.MessageHash == "" || len(msg.PathHashes) != 2 {
		t.Fatalf("kept the wrong copy: %+v", msg)
	}
}

func TestTrailingWhitespaceSameOnBothStreams(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	raw := decodertest.GroupTextHex(decodertest.Secret("#test"), 1700000000, "Alice", "hi there ", nil)
	h.Handle(models.RxLogEvent{PayloadHex: raw})
	h.Handle(models.ChannelMsgEvent{ChannelIdx: models.IntPtr(0), Text: "Alice: hi there "})
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sink.messages))
	}
	if got := sink.last().Text; got != "hi there " {
		t.Fatalf("text = %q", got)
	}
}

func TestParsedMessageWithoutCacheEntry(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	h.Handle(models.ChannelMsgEvent{ChannelIdx: models.IntPtr(3), Text: "Bob: anyone on?", PathLen: 4})
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %d", len(sink.messages))
	}
	msg := sink.last()
	if msg.Sender != "Bob" || msg.Text != "anyone on?" {
		t.Fatalf("sender=%q text=%q", msg.Sender, msg.Text)
	}
	if msg.PathHashes == nil || len(msg.PathHashes) != 0 || msg.PathLen != 4 {
		t.Fatalf("path = %v len %d", msg.PathHashes, msg.PathLen)
	}
	if len(msg.PathNames) != len(msg.PathHashes) {
		t.Fatal("path names and hashes differ in length")
	}
}

func TestParsedMessageContentDedup(t *testing.T) {
	h, sink, _, _ := newHandler(t)
	ev := models.ChannelMsgEvent{ChannelIdx: models.IntPtr(1), Text: "Bob: test"}
	h.Handle(ev)
	h.Handle(ev)
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sink.messages))
	}

	// no separator: whole text is the body, no sender
	h.Handle(models.ChannelMsgEvent{ChannelIdx: models.IntPtr(1), Text: "status ok"})
	if msg := sink.last(); msg.Sender != "" || msg.Text != "status ok" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParsedMessageRecoversCachedPath(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	// packet for a channel we have no key for: metadata only
	raw := decodertest.GroupText(decodertest.Secret("#secret"), 5, "Eve", "psst", []byte{0xa1, 0xee, 0xb2})
	h.Handle(models.RxLogEvent{PayloadHex: hex.EncodeToString(raw)})
	if len(sink.messages) != 0 {
		t.Fatal("undecryptable packet produced a message")
	}
	hash := sink.lastRx().MessageHash
	if hash == "" {
		t.Fatal("rx log entry has no hash")
	}

	h.Handle(models.ChannelMsgEvent{ChannelIdx: models.IntPtr(5), Text: "Eve: psst", PathLen: models.UnknownPathLen, MessageHash: hash})
	msg := sink.last()
	if msg.PathLen != 3 || len(msg.PathHashes) != 3 {
		t.Fatalf("path not recovered: %d %v", msg.PathLen, msg.PathHashes)
	}
	if msg.PathNames[0] != "Hilltop" || msg.PathNames[1] != "" || msg.PathNames[2] != "Harbour" {
		t.Fatalf("path names = %q", msg.PathNames)
	}
	if h.paths.len() != 0 {
		t.Fatal("path cache entry should be consumed")
	}
}

func TestRxLogAlwaysRecorded(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	h.Handle(models.RxLogEvent{SNR: 1, RSSI: -100, PayloadHex: "not-hex", PathLen: 2})
	h.Handle(models.RxLogEvent{SNR: 2, RSSI: -101})
	if len(sink.rxlog) != 2 || len(sink.messages) != 0 {
		t.Fatalf("rxlog=%d messages=%d", len(sink.rxlog), len(sink.messages))
	}
	if e := sink.rxlog[0]; e.PayloadType != "?" || e.Hops != 2 || e.MessageHash != "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestContactMessage(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	h.Handle(models.ContactMsgEvent{PubKeyPrefix: "ccdd00112233", Text: "hi there", PathLen: models.UnknownPathLen})
	msg := sink.last()
	if msg.Sender != "Alice" || msg.Channel != nil || msg.PathLen != 0 {
		t.Fatalf("unexpected DM: %+v", msg)
	}
	if msg.SenderPubKey != "ccdd00112233" {
		t.Fatalf("sender key = %q", msg.SenderPubKey)
	}

	h.Handle(models.ContactMsgEvent{PubKeyPrefix: "0102030405060708", Text: "who"})
	if got := sink.last().Sender; got != "01020304" {
		t.Fatalf("unknown sender = %q", got)
	}
}

func TestRoomServerPostUsesAuthor(t *testing.T) {
	h, sink, _, _ := newHandler(t)

	h.Handle(models.ContactMsgEvent{
		PubKeyPrefix: "b2bbbbbbbbbb",
		Text:         "welcome",
		TxtType:      models.TxtTypeSignedPlain,
		Signature:    "ccdd0011",
		PathLen:      1,
	})
	msg := sink.last()
	if msg.Sender != "Alice" || msg.SenderPubKey != "b2bbbbbbbbbb" || msg.PathLen != 1 {
		t.Fatalf("unexpected room post: %+v", msg)
	}
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	sink := &recordingSink{}
	h := New(Deps{Decoder: panickyDecoder{}, Sink: sink, Log: zaptest.NewLogger(t)})

	h.Handle(models.RxLogEvent{PayloadHex: "00"})
	h.Handle(models.ChannelMsgEvent{Text: "Bob: still alive"})
	if len(sink.messages) != 1 {
		t.Fatalf("handler stopped after a panic: %d messages", len(sink.messages))
	}
}

func TestSplitSender(t *testing.T) {
	cases := []struct{ in, sender, body string }{
		{"Alice: hello", "Alice", "hello"},
		{"Alice: a: b", "Alice", "a: b"},
		{" Bob : x", "Bob", "x"},
		{"no separator", "", "no separator"},
		{"", "", ""},
	}
	for _, tc := range cases {
		s, b := SplitSender(tc.in)
		if s != tc.sender || b != tc.body {
			t.Fatalf("SplitSender(%q) = %q, %q", tc.in, s, b)
		}
	}
}

func TestPathCacheIsFIFO(t *testing.T) {
	c := newPathCache(2)
	c.put("A", []string{"01"})
	c.put("B", []string{"02"})
	c.put("A", []string{"99"}) // ignored, keeps first path and position
	c.put("C", []string{"03"})

	if c.pop("A") != nil {
		t.Fatal("A should be evicted first")
	}
	if got := c.pop("B"); len(got) != 1 || got[0] != "02" {
		t.Fatalf("B = %v", got)
	}
	if c.pop("B") != nil {
		t.Fatal("pop must consume the entry")
	}
}
