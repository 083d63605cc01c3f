package discovery

import (
	"encoding/hex"
	"strings"

	"go-meshcore-gateway/app/decoder"
)

// ExtractSecret returns a usable 16-byte channel secret from a radio
// reply. Firmware reports the secret either as raw bytes or as a hex
// string; anything shorter than 16 bytes (32 hex chars) is unusable.
func ExtractSecret(info ChannelInfo) ([]byte, bool) {
	if len(info.Secret) >= decoder.SecretSize && !allZero(info.Secret[:decoder.SecretSize]) {
		out := make([]byte, decoder.SecretSize)
		copy(out, info.Secret)
		return out, true
	}
	return secretFromHex(info.SecretHex)
}

func secretFromHex(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2*decoder.SecretSize {
		return nil, false
	}
	raw, err := hex.DecodeString(s[:2*decoder.SecretSize])
	if err != nil || allZero(raw) {
		return nil, false
	}
	return raw, true
}

// an all-zero secret is what the radio returns for an unset slot
func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
