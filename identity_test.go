package tryst

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/persist"
)

func createTestIdentity(t *testing.T, store persist.Store, clock Clock) *IdentityManager {
	t.Helper()
	if store == nil {
		store = persist.NewMemoryStore()
	}
	return NewIdentityManager(store, createTestOptions(clock))
}

func TestIdentityGenerate(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, NewManualClock(testStart))

	pub, rec, err := im.Generate(testPassphrase)
	require.NoError(t, err)

	fp, err := Fingerprint(pub)
	require.NoError(t, err)
	assert.Equal(t, fp, rec.Fingerprint)
	assert.Equal(t, "pbkdf2-sha256", rec.KDF)
	assert.Equal(t, 600000, rec.Iterations)
	assert.Len(t, rec.Salt, 16)
	assert.Len(t, rec.IV, 12)
	assert.Equal(t, testStart, rec.CreatedAt)

	for _, key := range []string{keyPrivate, keyPublic, keyHistory} {
		_, err := store.Get(key)
		assert.NoError(t, err, key)
	}

	stored, err := im.PublicKey()
	require.NoError(t, err)
	assert.True(t, pub.Equal(stored))

	history, err := im.History()
	require.NoError(t, err)
	assert.Equal(t, 1, history.RotationVersion)
	assert.Empty(t, history.PreviousKeys)

	_, _, err = im.Generate(otherPassphrase)
	require.ErrorIs(t, err, ErrIdentityExists)
}

func TestIdentityGenerateWeakPassphrase(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, nil)

	_, _, err := im.Generate("short")
	require.ErrorIs(t, err, ErrWeakPassphrase)

	exists, err := im.Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIdentityGenerateRollback(t *testing.T) {
	inner := persist.NewMemoryStore()
	store := &failingStore{Store: inner, failSet: map[string]bool{keyHistory: true}}
	im := createTestIdentity(t, store, nil)

	_, _, err := im.Generate(testPassphrase)
	require.ErrorIs(t, err, errInjected)

	keys, err := inner.List("identity/")
	require.NoError(t, err)
	assert.Empty(t, keys, "no partial identity may remain")
}

func TestIdentityUnlock(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, nil)

	_, err := im.Unlock(testPassphrase)
	require.ErrorIs(t, err, ErrIdentityNotFound)

	pub, _, err := im.Generate(testPassphrase)
	require.NoError(t, err)

	priv, err := im.Unlock(testPassphrase)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&priv.PublicKey))

	_, err = im.Unlock("correct horse battery staple 43!")
	require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)

	t.Run("TamperedRecord", func(t *testing.T) {
		data, err := store.Get(keyPrivate)
		require.NoError(t, err)

		tamperings := map[string]func(*EncryptedKeyRecord){
			"WrappedKey":  func(r *EncryptedKeyRecord) { r.WrappedKey[5] ^= 0x01 },
			"Salt":        func(r *EncryptedKeyRecord) { r.Salt[0] ^= 0x01 },
			"ShortIV":     func(r *EncryptedKeyRecord) { r.IV = r.IV[:8] },
			"Fingerprint": func(r *EncryptedKeyRecord) { r.Fingerprint = "00" + r.Fingerprint[2:] },
		}
		for name, tamper := range tamperings {
			t.Run(name, func(t *testing.T) {
				rec, err := unmarshalRecord(data)
				require.NoError(t, err)
				tamper(rec)
				bad, err := marshalRecord(rec)
				require.NoError(t, err)
				require.NoError(t, store.Set(keyPrivate, bad))
				t.Cleanup(func() { _ = store.Set(keyPrivate, data) })

				_, err = im.Unlock(testPassphrase)
				require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)
			})
		}

		require.NoError(t, store.Set(keyPrivate, []byte("{not json")))
		_, err = im.Unlock(testPassphrase)
		require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)
		require.NoError(t, store.Set(keyPrivate, data))
	})
}

func TestHasPassphraseProtection(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, nil)

	protected, err := im.HasPassphraseProtection()
	require.NoError(t, err)
	assert.False(t, protected)

	_, _, err = im.Generate(testPassphrase)
	require.NoError(t, err)

	protected, err = im.HasPassphraseProtection()
	require.NoError(t, err)
	assert.True(t, protected)

	require.NoError(t, store.Set(keyPrivate, []byte(`{"version":1,"kdf":"none"}`)))
	protected, err = im.HasPassphraseProtection()
	require.NoError(t, err)
	assert.False(t, protected)
}

func TestIdentityRotateKeys(t *testing.T) {
	clock := NewManualClock(testStart)
	store := persist.NewMemoryStore()
	opts := createTestOptions(clock)
	opts.Rotation.MaxPreviousKeys = 1
	im := NewIdentityManager(store, opts)

	_, first, err := im.Generate(testPassphrase)
	require.NoError(t, err)

	_, err = im.RotateKeys("wrong horse battery staple 42!", "")
	require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)

	clock.Advance(time.Hour)
	h2, err := im.RotateKeys(testPassphrase, "first")
	require.NoError(t, err)
	assert.Equal(t, 2, h2.RotationVersion)
	require.Len(t, h2.PreviousKeys, 1)
	assert.Equal(t, clock.Now().UTC(), h2.PreviousKeys[0].DeactivatedAt)

	archives, err := store.List(keyArchivePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{archiveKey(first.Fingerprint)}, archives)

	keyring, err := im.UnlockKeyring(testPassphrase)
	require.NoError(t, err)
	require.Equal(t, 2, keyring.Len())
	assert.Equal(t, first.Fingerprint, keyring.Fingerprints()[1])
	keyring.Destroy()

	clock.Advance(time.Hour)
	h3, err := im.RotateKeys(testPassphrase, "second")
	require.NoError(t, err)
	assert.Equal(t, 3, h3.RotationVersion)
	require.Len(t, h3.PreviousKeys, 1)

	archives, err = store.List(keyArchivePrefix)
	require.NoError(t, err)
	require.Len(t, archives, 1, "archive of the evicted key is pruned")
	assert.NotEqual(t, archiveKey(first.Fingerprint), archives[0])
}

func TestIdentityRotateRollback(t *testing.T) {
	inner := persist.NewMemoryStore()
	store := &failingStore{Store: inner, failSet: map[string]bool{}}
	im := createTestIdentity(t, store, NewManualClock(testStart))

	_, rec, err := im.Generate(testPassphrase)
	require.NoError(t, err)
	before, err := inner.Get(keyPrivate)
	require.NoError(t, err)
	historyBefore, err := inner.Get(keyHistory)
	require.NoError(t, err)

	store.failSet[keyPublic] = true
	_, err = im.RotateKeys(testPassphrase, "doomed")
	require.ErrorIs(t, err, errInjected)

	after, err := inner.Get(keyPrivate)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	historyAfter, err := inner.Get(keyHistory)
	require.NoError(t, err)
	assert.Equal(t, historyBefore, historyAfter)

	archives, err := inner.List(keyArchivePrefix)
	require.NoError(t, err)
	assert.Empty(t, archives)

	priv, err := im.Unlock(testPassphrase)
	require.NoError(t, err)
	fp, err := Fingerprint(&priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, fp)
}

// staleHistoryStore serves an old key history to plain reads, as a process
// that loaded it before another process rotated would see it
type staleHistoryStore struct {
	*persist.MemoryStore
	history []byte
}

func (s *staleHistoryStore) Get(key string) ([]byte, error) {
	if key == keyHistory {
		return s.history, nil
	}
	return s.MemoryStore.Get(key)
}

func TestIdentityRotateDetectsConcurrentRotation(t *testing.T) {
	clock := NewManualClock(testStart)
	inner := persist.NewMemoryStore()
	im := createTestIdentity(t, inner, clock)

	_, _, err := im.Generate(testPassphrase)
	require.NoError(t, err)
	stale, err := inner.Get(keyHistory)
	require.NoError(t, err)

	winner, err := im.RotateKeys(testPassphrase, "first")
	require.NoError(t, err)
	privateAfterWinner, err := inner.Get(keyPrivate)
	require.NoError(t, err)
	archives, err := inner.List(keyArchivePrefix)
	require.NoError(t, err)

	loser := createTestIdentity(t, &staleHistoryStore{MemoryStore: inner, history: stale}, clock)
	_, err = loser.RotateKeys(testPassphrase, "second")
	require.ErrorIs(t, err, ErrConcurrentRotation)

	history, err := im.History()
	require.NoError(t, err)
	assert.Equal(t, winner.RotationVersion, history.RotationVersion)
	assert.Equal(t, winner.CurrentKey, history.CurrentKey)

	privateNow, err := inner.Get(keyPrivate)
	require.NoError(t, err)
	assert.Equal(t, privateAfterWinner, privateNow)
	archivesNow, err := inner.List(keyArchivePrefix)
	require.NoError(t, err)
	assert.Equal(t, archives, archivesNow)
}

func TestIdentityDelete(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, NewManualClock(testStart))

	_, _, err := im.Generate(testPassphrase)
	require.NoError(t, err)
	_, err = im.RotateKeys(testPassphrase, "")
	require.NoError(t, err)
	require.NoError(t, store.Set(keyReplayLedger, []byte(`{"version":1,"entries":[]}`)))
	require.NoError(t, store.Set(keySessionPrefix+"abc", []byte("{}")))
	require.NoError(t, store.Set(keyPeerPrefix+"ff", []byte("contact")))
	require.NoError(t, store.Set("unrelated", []byte("kept")))

	require.NoError(t, im.DeleteIdentity())

	remaining, err := store.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"unrelated"}, remaining)

	_, err = im.Unlock(testPassphrase)
	require.ErrorIs(t, err, ErrIdentityNotFound)

	require.NoError(t, im.DeleteIdentity(), "deleting nothing succeeds")
}

func TestIdentityDeleteAggregatesFailures(t *testing.T) {
	inner := persist.NewMemoryStore()
	store := &failingStore{Store: inner, failDelete: map[string]bool{keyPublic: true, keyReplayLedger: true}}
	im := createTestIdentity(t, store, nil)

	_, _, err := im.Generate(testPassphrase)
	require.NoError(t, err)

	err = im.DeleteIdentity()
	var wipeErr *WipeError
	require.True(t, errors.As(err, &wipeErr))
	assert.Len(t, wipeErr.Failures, 2)
	assert.Contains(t, wipeErr.Failures, keyPublic)
	require.ErrorIs(t, err, errInjected)

	_, err = inner.Get(keyPrivate)
	require.ErrorIs(t, err, persist.ErrNotFound, "other deletions still ran")
	_, err = inner.Get(keyHistory)
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func TestKeyHistoryPersistedFormat(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, NewManualClock(testStart))
	_, _, err := im.Generate(testPassphrase)
	require.NoError(t, err)

	data, err := store.Get(keyHistory)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"current_key", "previous_keys", "rotation_timestamp", "next_rotation", "rotation_version"} {
		assert.Contains(t, raw, field)
	}
}
