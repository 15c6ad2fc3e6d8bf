package tryst

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/persist"
)

func TestValidatePassphrase(t *testing.T) {
	accepted := []string{
		testPassphrase,
		alicePassphrase,
		otherPassphrase,
	}
	for _, p := range accepted {
		assert.NoError(t, ValidatePassphrase(p), p)
	}

	tests := []struct {
		name       string
		passphrase string
		reason     string
	}{
		{"Short", "short", "at least 4 words"},
		{"Repeated", "aaaaaaaaaaaa", "three or more times"},
		{"SingleClass", "alpha bravo charlie delta echo", "two of letters, digits and symbols"},
		{"Denylisted", "my password is quite long 42!", `"password"`},
		{"DenylistedCaseInsensitive", "QWERTY keyboard mashing fun 7?", `"qwerty"`},
		{"Empty", "", "at least 12 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassphrase(tt.passphrase)
			require.ErrorIs(t, err, ErrWeakPassphrase)

			var weak *WeakPassphraseError
			require.True(t, errors.As(err, &weak))
			assert.Contains(t, strings.Join(weak.Reasons, "\n"), tt.reason)
		})
	}
}

func TestValidatePassphraseListsEveryViolation(t *testing.T) {
	err := ValidatePassphrase("aaaa")
	var weak *WeakPassphraseError
	require.True(t, errors.As(err, &weak))
	assert.GreaterOrEqual(t, len(weak.Reasons), 4)
}

func TestHasRepeatedRun(t *testing.T) {
	assert.True(t, hasRepeatedRun([]rune("abccc"), 3))
	assert.False(t, hasRepeatedRun([]rune("aabbcc"), 3))
	assert.False(t, hasRepeatedRun(nil, 3))
}

func TestSuggestPassphrase(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		p, err := SuggestPassphrase()
		require.NoError(t, err)
		require.NoError(t, ValidatePassphrase(p))
		assert.True(t, strings.HasSuffix(p, "!"))
		assert.Len(t, strings.Split(p, "-"), suggestedWords+1)
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestChangePassphrase(t *testing.T) {
	store := persist.NewMemoryStore()
	im := createTestIdentity(t, store, NewManualClock(testStart))

	_, rec, err := im.Generate(testPassphrase)
	require.NoError(t, err)
	_, err = im.RotateKeys(testPassphrase, "")
	require.NoError(t, err)

	t.Run("WeakNewPassphrase", func(t *testing.T) {
		err := im.ChangePassphrase(testPassphrase, "weak")
		require.ErrorIs(t, err, ErrWeakPassphrase)
	})

	t.Run("WrongOldPassphrase", func(t *testing.T) {
		err := im.ChangePassphrase("wrong horse battery staple 42!", otherPassphrase)
		require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)
		_, err = im.Unlock(testPassphrase)
		require.NoError(t, err)
	})

	t.Run("ResealsEveryRecord", func(t *testing.T) {
		require.NoError(t, im.ChangePassphrase(testPassphrase, otherPassphrase))

		_, err := im.Unlock(testPassphrase)
		require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)

		keyring, err := im.UnlockKeyring(otherPassphrase)
		require.NoError(t, err)
		defer keyring.Destroy()
		require.Equal(t, 2, keyring.Len())
		assert.Equal(t, rec.Fingerprint, keyring.Fingerprints()[1])
	})
}

func TestChangePassphraseRollback(t *testing.T) {
	inner := persist.NewMemoryStore()
	store := &failingStore{Store: inner, failSet: map[string]bool{}}
	im := createTestIdentity(t, store, NewManualClock(testStart))

	_, rec, err := im.Generate(testPassphrase)
	require.NoError(t, err)
	_, err = im.RotateKeys(testPassphrase, "")
	require.NoError(t, err)

	store.failSet[archiveKey(rec.Fingerprint)] = true
	err = im.ChangePassphrase(testPassphrase, otherPassphrase)
	require.ErrorIs(t, err, errInjected)

	keyring, err := im.UnlockKeyring(testPassphrase)
	require.NoError(t, err)
	defer keyring.Destroy()
	assert.Equal(t, 2, keyring.Len())
}
