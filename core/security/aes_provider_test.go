package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESSecretProvider_RoundTrip(t *testing.T) {
	p, err := NewAESSecretProvider("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	sealed, err := p.Encrypt("AIzaSy-test-key")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "AIzaSy-test-key")

	again, err := p.Encrypt("AIzaSy-test-key")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per encryption")

	plain, err := p.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "AIzaSy-test-key", plain)
}

func TestAESSecretProvider_Errors(t *testing.T) {
	_, err := NewAESSecretProvider("short")
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	p, err := NewAESSecretProvider("0123456789abcdef")
	require.NoError(t, err)

	_, err = p.Decrypt("plain-key")
	assert.ErrorIs(t, err, ErrNotSealed)

	_, err = p.Decrypt(sealedPrefix + "AAAA")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	other, err := NewAESSecretProvider("fedcba9876543210")
	require.NoError(t, err)
	sealed, err := other.Encrypt("secret")
	require.NoError(t, err)
	_, err = p.Decrypt(sealed)
	assert.Error(t, err)

	// 篡改密文
	tampered := sealed[:len(sealed)-2] + strings.Repeat("A", 2)
	_, err = other.Decrypt(tampered)
	assert.Error(t, err)
}
