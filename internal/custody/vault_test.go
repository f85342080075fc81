package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	vault, err := New("test-master-key")
	require.NoError(t, err)

	secret := []byte("super secret ed25519 key bytes")
	sealed, err := vault.Seal(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, sealed.Ciphertext)
	assert.Len(t, sealed.Salt, saltSize)

	opened, err := vault.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestOpenWithWrongMasterKeyFails(t *testing.T) {
	vault, err := New("master-key-a")
	require.NoError(t, err)
	sealed, err := vault.Seal([]byte("payload"))
	require.NoError(t, err)

	other, err := New("master-key-b")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	vault, err := New("test-master-key")
	require.NoError(t, err)
	sealed, err := vault.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed.Ciphertext[0] ^= 0xff
	_, err = vault.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSealsAreUniquePerCall(t *testing.T) {
	vault, err := New("test-master-key")
	require.NoError(t, err)

	first, err := vault.Seal([]byte("payload"))
	require.NoError(t, err)
	second, err := vault.Seal([]byte("payload"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestNewRequiresMasterKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestOpenRejectsEmptySealedSecret(t *testing.T) {
	vault, err := New("test-master-key")
	require.NoError(t, err)

	_, err = vault.Open(SealedSecret{})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
