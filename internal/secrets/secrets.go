// Package secrets encrypts user-supplied AI provider API keys at rest.
// Ciphertexts are AES-256-GCM in "iv:tag:ciphertext" hex form.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
)

// Cipher encrypts and decrypts short secrets with a fixed AES-256 key.
type Cipher struct {
	key []byte
}

// NewCipher builds a Cipher from a hex-encoded 32-byte key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: decode key")
	}
	if len(key) != 32 {
		return nil, eris.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext and returns "iv:tag:ciphertext" in hex.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", eris.Wrap(err, "secrets: new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", eris.Wrap(err, "secrets: new gcm")
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", eris.Wrap(err, "secrets: read nonce")
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the 16-byte auth tag; split it out for the wire form.
	tagStart := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an "iv:tag:ciphertext" hex string produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", eris.New("secrets: malformed ciphertext")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode ciphertext")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", eris.Wrap(err, "secrets: new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", eris.Wrap(err, "secrets: new gcm")
	}
	if len(iv) != gcm.NonceSize() {
		return "", eris.New("secrets: bad nonce length")
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", eris.Wrap(err, "secrets: decrypt")
	}
	return string(plaintext), nil
}

// MaskKey renders an API key safe for display: first four and last four
// characters with the middle elided.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
