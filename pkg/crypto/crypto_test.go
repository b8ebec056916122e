package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("test-secret")
	require.NoError(t, err)

	tokens := []string{
		"ya29.a0AfH6SMBx",
		"",
		"1//0gLu7-long-refresh-token-value",
		"token with spaces and ünïcödé",
	}

	for _, token := range tokens {
		sealed, err := sealer.Encrypt(token)
		require.NoError(t, err)

		opened, err := sealer.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, token, opened)
	}
}

func TestSealerNonDeterministicCiphertext(t *testing.T) {
	sealer, err := NewSealer("test-secret")
	require.NoError(t, err)

	a, err := sealer.Encrypt("same-token")
	require.NoError(t, err)
	b, err := sealer.Encrypt("same-token")
	require.NoError(t, err)

	// Random nonces mean two seals of the same token differ.
	assert.NotEqual(t, a, b)
}

func TestSealerStableAcrossInstances(t *testing.T) {
	first, err := NewSealer("shared-secret")
	require.NoError(t, err)
	second, err := NewSealer("shared-secret")
	require.NoError(t, err)

	sealed, err := first.Encrypt("token")
	require.NoError(t, err)

	opened, err := second.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token", opened)
}

func TestSealerWrongSecret(t *testing.T) {
	sealer, err := NewSealer("secret-a")
	require.NoError(t, err)
	other, err := NewSealer("secret-b")
	require.NoError(t, err)

	sealed, err := sealer.Encrypt("token")
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}

func TestIsEncrypted(t *testing.T) {
	sealer, err := NewSealer("test-secret")
	require.NoError(t, err)

	sealed, err := sealer.Encrypt("token")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))

	// Typical opaque tokens are not mistaken for sealed values.
	for _, plain := range []string{
		"ya29.a0AfH6SMBx",
		"1//0gLu7-refresh",
		"not base64 at all!",
		"",
	} {
		assert.False(t, IsEncrypted(plain), "value %q", plain)
	}
}

func TestNewSealerRequiresSecret(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}
