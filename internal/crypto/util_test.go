package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/internal/misc"
)

func TestDeriveKey(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, misc.SaltSize)

	t.Run("Deterministic", func(t *testing.T) {
		k1, err := DeriveKey([]byte("purple tiger jumps ocean!7"), salt, misc.KDFIterations)
		require.NoError(t, err)
		k2, err := DeriveKey([]byte("purple tiger jumps ocean!7"), salt, misc.KDFIterations)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, misc.KDFKeyLen)
	})

	t.Run("SaltChangesKey", func(t *testing.T) {
		other := bytes.Repeat([]byte{8}, misc.SaltSize)
		k1, err := DeriveKey([]byte("same passphrase here"), salt, misc.KDFIterations)
		require.NoError(t, err)
		k2, err := DeriveKey([]byte("same passphrase here"), other, misc.KDFIterations)
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("RejectsBadSalt", func(t *testing.T) {
		_, err := DeriveKey([]byte("x"), []byte("short"), misc.KDFIterations)
		assert.ErrorIs(t, err, ErrInvalidSalt)
	})

	t.Run("RejectsLowIterations", func(t *testing.T) {
		_, err := DeriveKey([]byte("x"), salt, 1000)
		assert.ErrorIs(t, err, ErrInvalidIterations)
	})
}

func TestSealOpen(t *testing.T) {
	key, err := RandomBytes(32)
	require.NoError(t, err)
	nonce, err := RandomBytes(12)
	require.NoError(t, err)

	ct, err := Seal(key, nonce, []byte("hello"), []byte("aad"))
	require.NoError(t, err)

	pt, err := Open(key, nonce, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = Open(key, nonce, ct, []byte("other"))
	assert.Error(t, err, "aad mismatch must fail")

	ct[0] ^= 0x01
	_, err = Open(key, nonce, ct, []byte("aad"))
	assert.Error(t, err, "tampered ciphertext must fail")

	_, err = Seal(key, []byte("short"), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestOAEPChunking(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, misc.RSAKeyBits)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 190, 191, 500} {
		data := []byte(strings.Repeat("m", size))
		ct, err := EncryptOAEP(&priv.PublicKey, data)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%priv.Size(), "ciphertext must be block aligned")

		pt, err := DecryptOAEP(priv, ct)
		require.NoError(t, err)
		assert.Equal(t, len(data), len(pt))
		assert.True(t, bytes.Equal(data, pt))
	}

	_, err = DecryptOAEP(priv, []byte("not aligned"))
	assert.Error(t, err)
}

func TestPassphraseEnvelope(t *testing.T) {
	data := []byte("identity backup payload")
	enc, err := EncryptWithPassphrase(data, "backup passphrase")
	require.NoError(t, err)

	dec, err := DecryptWithPassphrase(enc, "backup passphrase")
	require.NoError(t, err)
	assert.Equal(t, data, dec)

	_, err = DecryptWithPassphrase(enc, "wrong passphrase")
	assert.Error(t, err)

	_, err = DecryptWithPassphrase([]byte("short"), "backup passphrase")
	assert.Error(t, err)
}

func TestIsWeakKey(t *testing.T) {
	assert.True(t, IsWeakKey(make([]byte, 32)))
	assert.True(t, IsWeakKey([]byte("short")))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{1, 2}, 16)))

	key, err := RandomBytes(32)
	require.NoError(t, err)
	// 32 random bytes practically always have at least 16 distinct values
	assert.False(t, IsWeakKey(key))
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t, CalculateChecksum([]byte("a")), CalculateChecksum([]byte("a")))
	assert.Len(t, CalculateChecksum([]byte("a")), 64)
}
