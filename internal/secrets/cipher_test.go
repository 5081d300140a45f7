package secrets

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTripMap(t *testing.T) {
	c, err := NewCipher("test-encryption-key")
	require.NoError(t, err)

	creds := map[string]any{
		"apiKey": "sk-12345",
		"nested": map[string]any{"region": "us-east-1", "port": float64(587)},
		"secure": true,
	}

	blob, err := c.Encrypt(creds)
	require.NoError(t, err)

	decoded, err := c.DecryptMap(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, decoded)
}

func TestCipherBlobFormat(t *testing.T) {
	c, err := NewCipher("k")
	require.NoError(t, err)

	blob, err := c.Encrypt("secret")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	require.Len(t, parts, 3)
	iv, err := hex.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Len(t, iv, 12)
	tag, err := hex.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, tag, 16)
}

func TestCipherStringPassthrough(t *testing.T) {
	c, err := NewCipher("test-encryption-key")
	require.NoError(t, err)

	blob, err := c.Encrypt("just a string")
	require.NoError(t, err)

	decoded, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "just a string", decoded)

	_, err = c.DecryptMap(blob)
	assert.ErrorContains(t, err, "not an object")
}

func TestCipherWrongKey(t *testing.T) {
	a, err := NewCipher("key-one")
	require.NoError(t, err)
	b, err := NewCipher("key-two")
	require.NoError(t, err)

	blob, err := a.Encrypt(map[string]any{"apiKey": "x"})
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	assert.ErrorContains(t, err, "decryption failed")
}

func TestCipherMalformedBlob(t *testing.T) {
	c, err := NewCipher("test-key")
	require.NoError(t, err)

	_, err = c.Decrypt("no-colons-here")
	assert.Error(t, err)

	_, err = c.Decrypt("zz:zz:zz")
	assert.Error(t, err)
}

func TestNewCipherRequiresKey(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(16)
	require.NoError(t, err)
	assert.Len(t, tok, 32)

	other, err := GenerateToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	// Non-positive sizes fall back to 32 bytes.
	tok, err = GenerateToken(0)
	require.NoError(t, err)
	assert.Len(t, tok, 64)
}
