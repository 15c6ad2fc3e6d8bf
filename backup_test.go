package tryst

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/persist"
)

func exportTestBackup(t *testing.T) (*IdentityManager, []byte, *EncryptedKeyRecord) {
	t.Helper()
	im := createTestIdentity(t, nil, NewManualClock(testStart))
	_, rec, err := im.Generate(testPassphrase)
	require.NoError(t, err)
	_, err = im.RotateKeys(testPassphrase, "")
	require.NoError(t, err)

	data, err := im.ExportBackup(testPassphrase)
	require.NoError(t, err)
	return im, data, rec
}

func TestBackupRoundTrip(t *testing.T) {
	source, data, first := exportTestBackup(t)

	var container IdentityBackup
	require.NoError(t, json.Unmarshal(data, &container))
	assert.Equal(t, "1.0", container.Version)
	assert.Equal(t, "argon2id-chacha20poly1305", container.EncryptionMethod)
	assert.NotEmpty(t, container.BackupID)
	assert.NotEmpty(t, container.Checksum)
	assert.NotContains(t, string(data), "BEGIN PUBLIC KEY", "records are inside the encrypted payload")

	current, err := source.PublicKey()
	require.NoError(t, err)
	currentFP, err := Fingerprint(current)
	require.NoError(t, err)
	assert.Equal(t, currentFP, container.Fingerprint)

	store := persist.NewMemoryStore()
	target := createTestIdentity(t, store, NewManualClock(testStart))
	fp, err := target.RestoreBackup(data, testPassphrase)
	require.NoError(t, err)
	assert.Equal(t, currentFP, fp)

	keyring, err := target.UnlockKeyring(testPassphrase)
	require.NoError(t, err)
	defer keyring.Destroy()
	assert.Equal(t, []string{currentFP, first.Fingerprint}, keyring.Fingerprints())

	_, err = target.RestoreBackup(data, testPassphrase)
	require.ErrorIs(t, err, ErrIdentityExists)
}

func TestExportBackupErrors(t *testing.T) {
	im := createTestIdentity(t, nil, nil)
	_, err := im.ExportBackup(testPassphrase)
	require.ErrorIs(t, err, ErrIdentityNotFound)

	_, _, err = im.Generate(testPassphrase)
	require.NoError(t, err)
	_, err = im.ExportBackup(otherPassphrase)
	require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)
}

func TestRestoreBackupRejects(t *testing.T) {
	_, data, _ := exportTestBackup(t)

	edit := func(fn func(*IdentityBackup)) []byte {
		var c IdentityBackup
		require.NoError(t, json.Unmarshal(data, &c))
		fn(&c)
		out, err := json.Marshal(c)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name       string
		data       []byte
		passphrase string
		err        error
	}{
		{"Garbage", []byte("not json"), testPassphrase, ErrInvalidBackup},
		{"Version", edit(func(c *IdentityBackup) { c.Version = "2.0" }), testPassphrase, ErrInvalidBackup},
		{"Method", edit(func(c *IdentityBackup) { c.EncryptionMethod = "rot13" }), testPassphrase, ErrInvalidBackup},
		{"Checksum", edit(func(c *IdentityBackup) { c.Checksum = "00" }), testPassphrase, ErrInvalidBackup},
		{"Base64", edit(func(c *IdentityBackup) { c.EncryptedData = "!!" }), testPassphrase, ErrInvalidBackup},
		{"Fingerprint", edit(func(c *IdentityBackup) { c.Fingerprint = "00" }), testPassphrase, ErrInvalidBackup},
		{"WrongPassphrase", data, otherPassphrase, ErrInvalidPassphraseOrCorruptKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := persist.NewMemoryStore()
			im := createTestIdentity(t, store, nil)
			_, err := im.RestoreBackup(tt.data, tt.passphrase)
			require.ErrorIs(t, err, tt.err)

			keys, err := store.List("identity/")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestRestoreBackupRollback(t *testing.T) {
	_, data, _ := exportTestBackup(t)

	inner := persist.NewMemoryStore()
	store := &failingStore{Store: inner, failSet: map[string]bool{keyPublic: true}}
	im := createTestIdentity(t, store, nil)

	_, err := im.RestoreBackup(data, testPassphrase)
	require.ErrorIs(t, err, errInjected)

	keys, err := inner.List("identity/")
	require.NoError(t, err)
	assert.Empty(t, keys, "partial restore is removed")
}
