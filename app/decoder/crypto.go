package decoder

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// Group payloads use a 2-byte truncated HMAC-SHA256 over the ciphertext.
// The HMAC key is the channel secret zero-padded to 32 bytes.
const macSize = 2

func verifyMAC(secret, mac, ciphertext []byte) bool {
	key := make([]byte, 32)
	copy(key, secret)
	h := hmac.New(sha256.New, key)
	h.Write(ciphertext)
	return hmac.Equal(h.Sum(nil)[:macSize], mac)
}

// decryptECB decrypts AES-128 in ECB mode, block by block.
func decryptECB(secret, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}
	block, err := aes.NewCipher(secret[:SecretSize])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return out, nil
}
