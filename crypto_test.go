package ecash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMnemonic(t *testing.T) {
	phrase, err := NewMnemonic()
	require.NoError(t, err)
	assert.NoError(t, ValidateMnemonic(phrase))
	assert.Len(t, bytes.Fields([]byte(phrase)), 12)
}

func TestValidateMnemonic(t *testing.T) {
	assert.NoError(t, ValidateMnemonic(testMnemonic))
	assert.NoError(t, ValidateMnemonic("  ABANDON abandon abandon abandon abandon abandon\nabandon abandon abandon abandon abandon about "))

	assert.ErrorIs(t, ValidateMnemonic("abandon abandon abandon"), ErrInvalidMnemonic)
	assert.ErrorIs(t, ValidateMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon"), ErrInvalidMnemonic)
	assert.ErrorIs(t, ValidateMnemonic(""), ErrInvalidMnemonic)
}

func TestDeriveKeys(t *testing.T) {
	a, err := DeriveKeys(testMnemonic)
	require.NoError(t, err)

	b, err := DeriveKeys("  " + testMnemonic + "\n")
	require.NoError(t, err)

	assert.Equal(t, a.Seed, b.Seed)
	assert.Equal(t, a.EncryptionKey, b.EncryptionKey)
	assert.Len(t, a.Seed, 64)
	assert.Len(t, a.EncryptionKey, 32)

	c, err := DeriveKeys(otherMnemonic)
	require.NoError(t, err)
	assert.NotEqual(t, a.EncryptionKey, c.EncryptionKey)

	_, err = DeriveKeys("not a phrase")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestSealUnseal(t *testing.T) {
	keys, err := DeriveKeys(testMnemonic)
	require.NoError(t, err)

	plain := []byte(`[{"amount":8}]`)
	sealed, err := seal(keys.EncryptionKey, plain)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(sealed, sealedMagic))
	assert.NotContains(t, string(sealed), "amount")

	got, err := unseal(keys.EncryptionKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	other, err := DeriveKeys(otherMnemonic)
	require.NoError(t, err)
	_, err = unseal(other.EncryptionKey, sealed)
	assert.Error(t, err)

	_, err = unseal(keys.EncryptionKey, plain)
	assert.ErrorIs(t, err, errSealedDataFormat)

	_, err = unseal(keys.EncryptionKey, []byte("v1:short"))
	assert.ErrorIs(t, err, errSealedDataFormat)
}
