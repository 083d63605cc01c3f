package decoder

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

// Packet layout limits.
const (
	MaxPathSize       = 64
	transportCodesLen = 4
	hashPrefixLen     = 8
	advertMinLen      = 32 + 4 + 64
	groupHeaderLen    = 1 + macSize
)

// Advert appdata flags.
const (
	advertHasLocation = 0x10
	advertHasFeature1 = 0x20
	advertHasFeature2 = 0x40
	advertHasName     = 0x80
)

// DecodedPacket is the result of decoding one raw LoRa packet. It is built
// fresh per Decode call and must be treated as read-only.
type DecodedPacket struct {
	MessageHash    string
	RouteType      models.RouteType
	PayloadType    models.PayloadType
	PayloadVersion byte
	PathLength     int
	PathHashes     []string // lower hex, 2 chars per hop

	// GroupText, filled only after decryption.
	Sender       string
	Text         string
	ChannelIndex *int
	ChannelHash  string
	Timestamp    uint32
	IsDecrypted  bool

	// Envelope metadata for other payload types.
	SourceHash   string
	DestHash     string
	AdvertPubKey string
	AdvertName   string
	AdvertLat    float64
	AdvertLon    float64
	AckChecksum  uint32
}

// PathHashesCopy returns a copy of the path hashes that callers may keep.
func (p *DecodedPacket) PathHashesCopy() []string {
	out := make([]string, len(p.PathHashes))
	copy(out, p.PathHashes)
	return out
}

// PacketDecoder decodes raw packets using the channel keys it holds.
type PacketDecoder struct {
	keys *KeyStore
	log  *zap.Logger
}

// New creates a decoder with an empty key store.
func New(log *zap.Logger) *PacketDecoder {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("decoder")
	return &PacketDecoder{keys: NewKeyStore(log), log: log}
}

// Keys exposes the underlying key store.
func (d *PacketDecoder) Keys() *KeyStore {
	return d.keys
}

// AddChannelKey registers secret for a channel, overwriting any previous key.
func (d *PacketDecoder) AddChannelKey(index int, secret []byte, origin KeyOrigin) error {
	key, err := d.keys.Put(index, secret, origin)
	if err != nil {
		return err
	}
	d.log.Debug("channel key registered",
		zap.Int("channel", index),
		zap.String("hash", key.HashHex()),
		zap.String("origin", string(origin)))
	return nil
}

// AddChannelKeyFromName registers the key derived from the channel name.
func (d *PacketDecoder) AddChannelKeyFromName(index int, name string) error {
	return d.AddChannelKey(index, SecretFromName(name), OriginName)
}

// HasKeys reports whether at least one key is registered.
func (d *PacketDecoder) HasKeys() bool {
	return d.keys.Len() > 0
}

// Key returns the key registered for a channel.
func (d *PacketDecoder) Key(index int) (ChannelKey, bool) {
	return d.keys.Get(index)
}

// Decode parses a hex-encoded packet. It returns nil when the input is not
// a well-formed packet.
func (d *PacketDecoder) Decode(payloadHex string) *DecodedPacket {
	raw, err := hex.DecodeString(strings.TrimSpace(payloadHex))
	if err != nil {
		d.log.Debug("packet is not valid hex", zap.Error(err))
		return nil
	}
	return d.DecodeBytes(raw)
}

// DecodeBytes parses a raw packet. It returns nil on malformed input.
func (d *PacketDecoder) DecodeBytes(raw []byte) *DecodedPacket {
	pkt, payload, err := parseEnvelope(raw)
	if err != nil {
		d.log.Debug("dropping malformed packet", zap.Error(err), zap.Int("len", len(raw)))
		return nil
	}

	switch pkt.PayloadType {
	case models.PayloadGroupText:
		d.decryptGroupText(pkt, payload)
	case models.PayloadTextMessage, models.PayloadRequest, models.PayloadResponse, models.PayloadPath:
		pkt.DestHash = fmt.Sprintf("%02x", payload[0])
		pkt.SourceHash = fmt.Sprintf("%02x", payload[1])
	case models.PayloadAck:
		pkt.AckChecksum = binary.LittleEndian.Uint32(payload[:4])
	case models.PayloadAdvert:
		parseAdvert(pkt, payload)
	}
	return pkt
}

func parseEnvelope(raw []byte) (*DecodedPacket, []byte, error) {
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("packet too short")
	}

	header := raw[0]
	pkt := &DecodedPacket{
		RouteType:      models.RouteType(header & 0x03),
		PayloadType:    models.PayloadType((header >> 2) & 0x0F),
		PayloadVersion: header >> 6,
	}

	offset := 1
	if pkt.RouteType.HasTransportCodes() {
		offset += transportCodesLen
	}
	if offset >= len(raw) {
		return nil, nil, fmt.Errorf("missing path length")
	}

	pathLen := int(raw[offset])
	offset++
	if pathLen > MaxPathSize {
		return nil, nil, fmt.Errorf("path length %d exceeds %d", pathLen, MaxPathSize)
	}
	if offset+pathLen > len(raw) {
		return nil, nil, fmt.Errorf("truncated path")
	}

	pkt.PathLength = pathLen
	pkt.PathHashes = make([]string, 0, pathLen)
	for _, b := range raw[offset : offset+pathLen] {
		pkt.PathHashes = append(pkt.PathHashes, fmt.Sprintf("%02x", b))
	}
	offset += pathLen

	payload := raw[offset:]
	if len(payload) < minPayloadLen(pkt.PayloadType) {
		return nil, nil, fmt.Errorf("%s payload too short: %d bytes", pkt.PayloadType, len(payload))
	}

	pkt.MessageHash = messageHash(pkt.PayloadType, byte(pathLen), payload)
	return pkt, payload, nil
}

func minPayloadLen(t models.PayloadType) int {
	switch t {
	case models.PayloadGroupText, models.PayloadGroupData:
		return groupHeaderLen
	case models.PayloadTextMessage, models.PayloadRequest, models.PayloadResponse, models.PayloadPath:
		return 2 + macSize
	case models.PayloadAck:
		return 4
	case models.PayloadAdvert:
		return advertMinLen
	}
	return 1
}

// messageHash identifies a transmission independently of the route it took.
// Trace packets include the path length in the hash.
func messageHash(t models.PayloadType, pathLen byte, payload []byte) string {
	h := sha256.New()
	h.Write([]byte{byte(t)})
	if t == models.PayloadTrace {
		h.Write([]byte{pathLen})
	}
	h.Write(payload)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:hashPrefixLen]))
}

func (d *PacketDecoder) decryptGroupText(pkt *DecodedPacket, payload []byte) {
	chanHash := payload[0]
	mac := payload[1:groupHeaderLen]
	ciphertext := payload[groupHeaderLen:]
	pkt.ChannelHash = fmt.Sprintf("%02x", chanHash)

	for _, key := range d.keys.candidates(chanHash) {
		if !verifyMAC(key.Secret[:], mac, ciphertext) {
			continue
		}
		plain, err := decryptECB(key.Secret[:], ciphertext)
		if err != nil {
			d.log.Debug("group text decrypt failed", zap.Int("channel", key.Index), zap.Error(err))
			continue
		}
		ts, sender, text, ok := parseGroupPlaintext(plain)
		if !ok {
			continue
		}
		pkt.Timestamp = ts
		pkt.Sender = sender
		pkt.Text = text
		pkt.ChannelIndex = models.IntPtr(key.Index)
		pkt.IsDecrypted = true
		return
	}
}

// parseGroupPlaintext splits "timestamp | flags | sender: text".
func parseGroupPlaintext(plain []byte) (uint32, string, string, bool) {
	if len(plain) < 5 {
		return 0, "", "", false
	}
	ts := binary.LittleEndian.Uint32(plain[:4])
	body := plain[5:]
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	if !utf8.Valid(body) {
		return 0, "", "", false
	}

	msg := string(body)
	if sender, text, found := strings.Cut(msg, ": "); found {
		return ts, sender, text, true
	}
	return ts, "", msg, true
}

func parseAdvert(pkt *DecodedPacket, payload []byte) {
	pkt.AdvertPubKey = hex.EncodeToString(payload[:32])
	pkt.Timestamp = binary.LittleEndian.Uint32(payload[32:36])

	appData := payload[advertMinLen:]
	if len(appData) == 0 {
		return
	}
	flags := appData[0]
	offset := 1
	if flags&advertHasLocation != 0 {
		if offset+8 > len(appData) {
			return
		}
		pkt.AdvertLat = float64(int32(binary.LittleEndian.Uint32(appData[offset:]))) / 1e6
		pkt.AdvertLon = float64(int32(binary.LittleEndian.Uint32(appData[offset+4:]))) / 1e6
		offset += 8
	}
	if flags&advertHasFeature1 != 0 {
		offset += 2
	}
	if flags&advertHasFeature2 != 0 {
		offset += 2
	}
	if flags&advertHasName != 0 && offset < len(appData) {
		name := appData[offset:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		pkt.AdvertName = strings.ToValidUTF8(string(name), "")
	}
}
