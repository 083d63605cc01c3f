// Package decodertest builds raw mesh packets for tests.
package decodertest

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"go-meshcore-gateway/app/models"
)

// Secret derives a channel secret from a name, like the radio does.
func Secret(name string) []byte {
	sum := sha256.Sum256([]byte(name))
	return sum[:16]
}

// Packet frames payload with a header byte and a path.
func Packet(route models.RouteType, ptype models.PayloadType, path []byte, payload []byte) []byte {
	out := []byte{byte(route&0x03) | byte(ptype&0x0F)<<2}
	if route.HasTransportCodes() {
		out = append(out, 0, 0, 0, 0)
	}
	out = append(out, byte(len(path)))
	out = append(out, path...)
	return append(out, payload...)
}

// GroupTextPayload encrypts "sender: text" under secret.
func GroupTextPayload(secret []byte, timestamp uint32, sender, text string) []byte {
	plain := make([]byte, 5, 5+len(sender)+2+len(text))
	binary.LittleEndian.PutUint32(plain, timestamp)
	if sender != "" {
		plain = append(plain, sender+": "...)
	}
	plain = append(plain, text...)
	if rem := len(plain) % aes.BlockSize; rem != 0 {
		plain = append(plain, make([]byte, aes.BlockSize-rem)...)
	}

	block, err := aes.NewCipher(secret[:16])
	if err != nil {
		panic(err)
	}
	ct := make([]byte, len(plain))
	for i := 0; i < len(plain); i += aes.BlockSize {
		block.Encrypt(ct[i:i+aes.BlockSize], plain[i:i+aes.BlockSize])
	}

	key := make([]byte, 32)
	copy(key, secret[:16])
	mac := hmac.New(sha256.New, key)
	mac.Write(ct)

	chanHash := sha256.Sum256(secret[:16])
	out := []byte{chanHash[0]}
	out = append(out, mac.Sum(nil)[:2]...)
	return append(out, ct...)
}

// GroupText builds a flood-routed GroupText packet.
func GroupText(secret []byte, timestamp uint32, sender, text string, path []byte) []byte {
	return Packet(models.RouteFlood, models.PayloadGroupText, path,
		GroupTextPayload(secret, timestamp, sender, text))
}

// GroupTextHex is GroupText encoded as hex.
func GroupTextHex(secret []byte, timestamp uint32, sender, text string, path []byte) string {
	return hex.EncodeToString(GroupText(secret, timestamp, sender, text, path))
}

// Advert builds an advert packet for pubKey with a name and optional location.
func Advert(pubKey [32]byte, timestamp uint32, name string, lat, lon float64, path []byte) []byte {
	payload := append([]byte{}, pubKey[:]...)
	payload = binary.LittleEndian.AppendUint32(payload, timestamp)
	payload = append(payload, make([]byte, 64)...)

	flags := byte(0x80 | models.NodeTypeClient)
	if lat != 0 || lon != 0 {
		flags |= 0x10
	}
	payload = append(payload, flags)
	if flags&0x10 != 0 {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(lat*1e6)))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(lon*1e6)))
	}
	payload = append(payload, name...)
	return Packet(models.RouteFlood, models.PayloadAdvert, path, payload)
}

// TextMessage builds a direct message envelope with the given hashes and an
// opaque body.
func TextMessage(dest, src byte, body []byte, path []byte) []byte {
	payload := []byte{dest, src, 0, 0}
	return Packet(models.RouteDirect, models.PayloadTextMessage, path, append(payload, body...))
}
