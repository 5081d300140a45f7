// Package secrets holds the symmetric credential cipher and the
// password hasher. They are deliberately separate collaborators: the
// cipher protects provider credential blobs at rest (reversible), the
// hasher protects user passwords (one-way), and they share no keys.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Cipher encrypts and decrypts credential blobs with AES-256-GCM.
// The wire format is "iv:tag:ciphertext", all hex-encoded.
type Cipher struct {
	key []byte
}

// NewCipher builds a cipher from the configured key string. The key is
// right-padded with '0' and truncated to exactly 32 bytes for AES-256.
// An empty key is a fatal configuration error surfaced at startup.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is not configured")
	}
	padded := key
	for len(padded) < 32 {
		padded += "0"
	}
	return &Cipher{key: []byte(padded[:32])}, nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt serializes data (strings pass through, everything else is
// JSON-encoded) and seals it with a fresh random nonce.
func (c *Cipher) Encrypt(data any) (string, error) {
	var plaintext []byte
	if s, ok := data.(string); ok {
		plaintext = []byte(s)
	} else {
		encoded, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encode credential data: %w", err)
		}
		plaintext = encoded
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext)), nil
}

// Decrypt opens an "iv:tag:ciphertext" blob. JSON plaintext decodes to
// its original structure; anything else comes back as a string.
func (c *Cipher) Decrypt(blob string) (any, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid encrypted data format")
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		return string(plaintext), nil
	}
	return decoded, nil
}

// DecryptMap opens a blob that must contain a JSON object, the shape
// every provider credential blob uses.
func (c *Cipher) DecryptMap(blob string) (map[string]any, error) {
	decoded, err := c.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("credential blob is not an object")
	}
	return m, nil
}

// GenerateToken returns a hex-encoded random token of n bytes.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
