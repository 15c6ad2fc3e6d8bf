package tryst

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/audit"
	"southwinds.dev/tryst/internal/mem"
	"southwinds.dev/tryst/persist"
)

const (
	testPassphrase  = "correct horse battery staple 42!"
	alicePassphrase = "purple tiger jumps ocean!7"
	otherPassphrase = "velvet canyon whispers north 19?"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var sharedKeys struct {
	once sync.Once
	keys []*rsa.PrivateKey
	err  error
}

// testKey returns one of three RSA keys generated once per test binary
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	sharedKeys.once.Do(func() {
		for n := 0; n < 3; n++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				sharedKeys.err = err
				return
			}
			sharedKeys.keys = append(sharedKeys.keys, k)
		}
	})
	require.NoError(t, sharedKeys.err)
	return sharedKeys.keys[i]
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func createTestOptions(clock Clock) Options {
	opts := DefaultOptions()
	opts.Clock = clock
	opts.Logger = quietLogger()
	opts.RateLimitDelay = time.Millisecond
	return opts
}

func createTestCore(t *testing.T, store persist.Store, opts Options, dir Directory) *Core {
	t.Helper()
	if store == nil {
		store = persist.NewMemoryStore()
	}
	core, err := New(opts, store, nil, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core
}

// peer is a core with an identity and an open session
type peer struct {
	core        *Core
	session     *Session
	fingerprint string
}

func createPeer(t *testing.T, opts Options, dir Directory, passphrase string) *peer {
	t.Helper()
	core := createTestCore(t, nil, opts, dir)
	fp, err := core.CreateIdentity(passphrase)
	require.NoError(t, err)
	session, err := core.Open(passphrase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return &peer{core: core, session: session, fingerprint: fp}
}

func TestNewCore(t *testing.T) {
	t.Run("RequiresStore", func(t *testing.T) {
		_, err := New(createTestOptions(nil), nil, nil, nil)
		require.Error(t, err)
	})

	t.Run("RejectsInvalidOptions", func(t *testing.T) {
		opts := createTestOptions(nil)
		opts.ProductName = "lower case"
		_, err := New(opts, persist.NewMemoryStore(), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid options")
	})

	t.Run("DefaultsToPartialProtection", func(t *testing.T) {
		core := createTestCore(t, nil, createTestOptions(nil), nil)
		assert.Equal(t, mem.ProtectionPartial, core.MemoryProtection())
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		core, err := New(createTestOptions(nil), persist.NewMemoryStore(), nil, nil)
		require.NoError(t, err)
		require.NoError(t, core.Close())
		require.NoError(t, core.Close())

		_, err = core.CreateIdentity(testPassphrase)
		require.Error(t, err)
	})
}

func TestCoreSessionLifecycle(t *testing.T) {
	store := persist.NewMemoryStore()
	core := createTestCore(t, store, createTestOptions(NewManualClock(testStart)), nil)

	fp, err := core.CreateIdentity(testPassphrase)
	require.NoError(t, err)

	_, err = core.Open("wrong horse battery staple 42!")
	require.ErrorIs(t, err, ErrInvalidPassphraseOrCorruptKey)

	session, err := core.Open(testPassphrase)
	require.NoError(t, err)
	assert.Equal(t, fp, session.Fingerprint())
	assert.Equal(t, []string{fp}, session.Keys())

	markers, err := store.List(keySessionPrefix)
	require.NoError(t, err)
	assert.Len(t, markers, 1)

	require.NoError(t, session.Close())
	markers, err = store.List(keySessionPrefix)
	require.NoError(t, err)
	assert.Empty(t, markers)

	_, err = session.Encrypt([]byte("hi"), &testKey(t, 0).PublicKey, EncryptOptions{})
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = session.Decrypt(context.Background(), "anything")
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestCoreDeleteIdentity(t *testing.T) {
	clock := NewManualClock(testStart)
	opts := createTestOptions(clock)

	dir, err := NewStaticDirectory()
	require.NoError(t, err)
	alice := createPeer(t, opts, dir, testPassphrase)
	bob := createPeer(t, opts, dir, otherPassphrase)
	_, err = dir.Add(alice.session.PublicKey())
	require.NoError(t, err)

	block, err := alice.session.Encrypt([]byte("before wipe"), bob.session.PublicKey(), EncryptOptions{})
	require.NoError(t, err)
	_, err = bob.session.Decrypt(context.Background(), block)
	require.NoError(t, err)
	require.Equal(t, 1, bob.core.Replay().Len())

	require.NoError(t, bob.core.DeleteIdentity())

	exists, err := bob.core.Identity().Exists()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, bob.core.Replay().Len())

	_, err = bob.session.Decrypt(context.Background(), block)
	require.ErrorIs(t, err, ErrSessionClosed)

	for _, prefix := range []string{"identity/", "replay/", keySessionPrefix} {
		keys, err := bob.core.store.List(prefix)
		require.NoError(t, err)
		assert.Empty(t, keys, prefix)
	}
}

func TestCoreAuditTrail(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	auditLogger, err := audit.NewLogger(&audit.Config{
		Enabled:   true,
		Namespace: "tryst-test",
		Type:      audit.FileAuditType,
		Options:   map[string]interface{}{"file_path": logPath},
	})
	require.NoError(t, err)

	core, err := New(createTestOptions(nil), persist.NewMemoryStore(), auditLogger, nil)
	require.NoError(t, err)

	_, err = core.CreateIdentity("short")
	require.Error(t, err)
	fp, err := core.CreateIdentity(testPassphrase)
	require.NoError(t, err)

	result, err := auditLogger.Query(audit.QueryOptions{Action: "IDENTITY_CREATE_COMPLETED"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, fp, result.Events[0].Fingerprint)
	assert.True(t, result.Events[0].Success)
	assert.NotEmpty(t, result.Events[0].RequestID)

	failed := false
	result, err = auditLogger.Query(audit.QueryOptions{Action: "IDENTITY_CREATE_FAILED", Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "input", result.Events[0].Metadata["error_class"])

	require.NoError(t, core.Close())
}

func TestCoreRotationRefreshesSessions(t *testing.T) {
	clock := NewManualClock(testStart)
	opts := createTestOptions(clock)

	dir, err := NewStaticDirectory()
	require.NoError(t, err)
	alice := createPeer(t, opts, dir, testPassphrase)
	bob := createPeer(t, opts, dir, otherPassphrase)
	_, err = dir.Add(alice.session.PublicKey())
	require.NoError(t, err)

	oldBobKey := bob.session.PublicKey()
	pending, err := alice.session.Encrypt([]byte("sent before rotation"), oldBobKey, EncryptOptions{TTL: 120 * 24 * time.Hour})
	require.NoError(t, err)

	history, err := bob.core.RotateKeys(otherPassphrase, "test rotation")
	require.NoError(t, err)
	assert.Equal(t, 2, history.RotationVersion)
	require.Len(t, bob.session.Keys(), 2)
	assert.NotEqual(t, bob.fingerprint, bob.session.Fingerprint())
	assert.Equal(t, bob.fingerprint, bob.session.Keys()[1])

	clock.Advance(24 * time.Hour)
	msg, err := bob.session.Decrypt(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, "sent before rotation", string(msg.Plaintext))
	assert.Equal(t, bob.fingerprint, msg.RecipientFingerprint)
	assert.True(t, msg.Verified)

	fresh, err := alice.session.Encrypt([]byte("after rotation"), bob.session.PublicKey(), EncryptOptions{})
	require.NoError(t, err)
	msg, err = bob.session.Decrypt(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, bob.session.Fingerprint(), msg.RecipientFingerprint)
}

func TestTransitionWindowExpiry(t *testing.T) {
	clock := NewManualClock(testStart)
	opts := createTestOptions(clock)

	alice := createPeer(t, opts, nil, testPassphrase)
	bob := createPeer(t, opts, nil, otherPassphrase)

	block, err := alice.session.Encrypt([]byte("slow boat"), bob.session.PublicKey(), EncryptOptions{TTL: 200 * 24 * time.Hour})
	require.NoError(t, err)
	_, err = bob.core.RotateKeys(otherPassphrase, "")
	require.NoError(t, err)

	clock.Advance(91 * 24 * time.Hour)

	late, err := bob.core.Open(otherPassphrase)
	require.NoError(t, err)
	defer late.Close()
	assert.Len(t, late.Keys(), 1)

	_, err = late.Decrypt(context.Background(), block)
	require.ErrorIs(t, err, ErrMetadataDecryptionFailed)
}

func TestTransitionWindowExpiresOpenSession(t *testing.T) {
	clock := NewManualClock(testStart)
	opts := createTestOptions(clock)

	alice := createPeer(t, opts, nil, testPassphrase)
	bob := createPeer(t, opts, nil, otherPassphrase)

	early, err := alice.session.Encrypt([]byte("first slow boat"), bob.session.PublicKey(), EncryptOptions{TTL: 200 * 24 * time.Hour})
	require.NoError(t, err)
	late, err := alice.session.Encrypt([]byte("second slow boat"), bob.session.PublicKey(), EncryptOptions{TTL: 200 * 24 * time.Hour})
	require.NoError(t, err)
	_, err = bob.core.RotateKeys(otherPassphrase, "")
	require.NoError(t, err)
	require.Len(t, bob.session.Keys(), 2)

	clock.Advance(89 * 24 * time.Hour)
	msg, err := bob.session.Decrypt(context.Background(), early)
	require.NoError(t, err)
	assert.Equal(t, bob.fingerprint, msg.RecipientFingerprint)

	clock.Advance(2 * 24 * time.Hour)
	assert.Len(t, bob.session.Keys(), 1)
	_, err = bob.session.Decrypt(context.Background(), late)
	require.ErrorIs(t, err, ErrMetadataDecryptionFailed)
}

func TestRotateIfDue(t *testing.T) {
	clock := NewManualClock(testStart)
	core := createTestCore(t, nil, createTestOptions(clock), nil)
	_, err := core.CreateIdentity(testPassphrase)
	require.NoError(t, err)

	rotated, history, err := core.RotateIfDue(testPassphrase)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, 1, history.RotationVersion)

	clock.Advance(DefaultRotationInterval)
	rotated, history, err = core.RotateIfDue(testPassphrase)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, 2, history.RotationVersion)
}

func TestCoreVerifyProfile(t *testing.T) {
	clock := NewManualClock(testStart)
	p := createPeer(t, createTestOptions(clock), nil, testPassphrase)

	doc := map[string]any{"display_name": "alice", "bio": "hello"}
	signed, err := p.session.SignProfile(doc)
	require.NoError(t, err)
	assert.NotContains(t, doc, ProfileFieldSignature)

	valid, err := p.core.VerifyProfile(signed, p.session.PublicKey())
	require.NoError(t, err)
	assert.True(t, valid)

	signed["bio"] = "changed"
	valid, err = p.core.VerifyProfile(signed, p.session.PublicKey())
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = p.core.VerifyProfile(doc, p.session.PublicKey())
	require.ErrorIs(t, err, ErrInvalidProfile)
}

// failingStore wraps a store and fails selected operations
type failingStore struct {
	persist.Store
	failSet    map[string]bool
	failDelete map[string]bool
}

var errInjected = errors.New("injected failure")

func (f *failingStore) Set(key string, data []byte) error {
	if f.failSet[key] {
		return errInjected
	}
	return f.Store.Set(key, data)
}

func (f *failingStore) Delete(key string) error {
	if f.failDelete[key] {
		return errInjected
	}
	return f.Store.Delete(key)
}
