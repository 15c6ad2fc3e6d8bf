package tryst

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"southwinds.dev/tryst/audit"
	"southwinds.dev/tryst/internal/debug"
	"southwinds.dev/tryst/internal/mem"
	"southwinds.dev/tryst/internal/metrics"
	"southwinds.dev/tryst/persist"
)

func init() {
	memguard.CatchInterrupt()
}

// Core composes the identity, rotation, replay and message components over one
// persistence backend. It is the entry point for applications: create or
// unlock an identity, then encrypt and decrypt through a Session.
type Core struct {
	mu sync.Mutex

	options   Options
	store     persist.Store
	audit     audit.Logger
	directory Directory

	identity *IdentityManager
	replay   *ReplayStore
	limiter  *DecryptLimiter
	metrics  *metrics.Metrics

	memoryProtectionLevel mem.ProtectionLevel
	sessions              map[*Session]struct{}

	userID string
	closed bool
	log    *logrus.Entry
}

// New creates a Core.
//
// A nil auditLogger disables auditing. A nil directory resolves senders from
// peer keys kept in the same store (see StoreDirectory).
//
// ERRORS:
//   - invalid options
//   - nil store or a store that fails Ping
//   - metrics registration conflicts on options.Registerer
func New(options Options, store persist.Store, auditLogger audit.Logger, directory Directory) (*Core, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if directory == nil {
		directory = NewStoreDirectory(store)
	}

	m, err := metrics.New(options.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	userID := options.UserID
	if userID == "" {
		userID = "system"
	}

	c := &Core{
		options:   options,
		store:     store,
		audit:     auditLogger,
		directory: directory,
		identity:  NewIdentityManager(store, options),
		replay:    NewReplayStore(store, options, m),
		limiter: NewDecryptLimiter(options.DecryptAttemptLimit, options.DecryptWindow,
			options.RateLimitDelay, options.Clock, options.Logger),
		metrics:               m,
		memoryProtectionLevel: mem.ProtectionPartial,
		sessions:              make(map[*Session]struct{}),
		userID:                userID,
		log:                   options.Logger.WithField("component", "core"),
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			c.log.WithError(err).Warn("cannot lock process memory, keys remain protected by enclaves only")
		} else {
			c.memoryProtectionLevel = level
		}
	}

	debug.Print("core created on %s store\n", store.GetType())
	return c, nil
}

func (c *Core) Options() Options {
	return c.options
}

func (c *Core) Identity() *IdentityManager {
	return c.identity
}

func (c *Core) Replay() *ReplayStore {
	return c.replay
}

func (c *Core) Directory() Directory {
	return c.directory
}

func (c *Core) Metrics() *metrics.Metrics {
	return c.metrics
}

// MemoryProtection reports how well unwrapped keys are kept out of swap
func (c *Core) MemoryProtection() mem.ProtectionLevel {
	return c.memoryProtectionLevel
}

func (c *Core) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("core is closed")
	}
	return nil
}

// CreateIdentity generates a new identity and returns its fingerprint
func (c *Core) CreateIdentity(passphrase string) (string, error) {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return "", err
	}

	_, rec, err := c.identity.Generate(passphrase)
	if err != nil {
		c.logAudit(requestID, "IDENTITY_CREATE_FAILED", err, nil)
		return "", err
	}
	c.logAudit(requestID, "IDENTITY_CREATE_COMPLETED", nil, map[string]interface{}{
		"fingerprint": rec.Fingerprint,
	})
	return rec.Fingerprint, nil
}

// PublicKeyPEM returns the current public key for publishing
func (c *Core) PublicKeyPEM() (string, error) {
	pub, err := c.identity.PublicKey()
	if err != nil {
		return "", err
	}
	return ExportPublicPEM(pub)
}

// Open unlocks the identity and returns a Session holding its keys
func (c *Core) Open(passphrase string) (*Session, error) {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	keyring, err := c.identity.UnlockKeyring(passphrase)
	if err != nil {
		c.logAudit(requestID, "IDENTITY_UNLOCK_FAILED", err, nil)
		return nil, err
	}

	s := &Session{
		id:      uuid.NewString(),
		core:    c,
		keyring: keyring,
		opened:  c.options.Clock.Now().UTC(),
	}
	s.cipher = NewMessageCipher(keyring, c.directory, c.replay, c.limiter, c.options, c.metrics)

	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()
	s.persistMarker()

	c.logAudit(requestID, "IDENTITY_UNLOCK_COMPLETED", nil, map[string]interface{}{
		"fingerprint": keyring.Fingerprint(),
		"keys":        keyring.Len(),
	})
	return s, nil
}

// RotateKeys rotates the identity key and refreshes every open session so
// that they encrypt with the new key and still decrypt with the old ones.
func (c *Core) RotateKeys(passphrase, reason string) (*KeyHistory, error) {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	history, err := c.identity.RotateKeys(passphrase, reason)
	if err != nil {
		c.logAudit(requestID, "KEY_ROTATE_FAILED", err, map[string]interface{}{"reason": reason})
		return nil, err
	}
	c.metrics.ObserveRotation()
	c.refreshSessions(passphrase)

	c.logAudit(requestID, "KEY_ROTATE_COMPLETED", nil, map[string]interface{}{
		"reason":           reason,
		"rotation_version": history.RotationVersion,
	})
	return history, nil
}

// RotateIfDue rotates only when the configured interval has elapsed
func (c *Core) RotateIfDue(passphrase string) (bool, *KeyHistory, error) {
	history, err := c.identity.History()
	if err != nil {
		return false, nil, err
	}
	if !c.identity.Rotation().NeedsRotation(history) {
		return false, history, nil
	}
	next, err := c.RotateKeys(passphrase, "scheduled rotation")
	if err != nil {
		return false, nil, err
	}
	return true, next, nil
}

func (c *Core) refreshSessions(passphrase string) {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	keyring, err := c.identity.UnlockKeyring(passphrase)
	if err != nil {
		c.log.WithError(err).Warn("failed to refresh session keys after rotation")
		return
	}
	for _, s := range sessions {
		s.keyring.replaceWith(keyring)
	}
	keyring.Destroy()
}

// ChangePassphrase re-seals all private keys under a new passphrase
func (c *Core) ChangePassphrase(oldPassphrase, newPassphrase string) error {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return err
	}

	err := c.identity.ChangePassphrase(oldPassphrase, newPassphrase)
	if err != nil {
		c.logAudit(requestID, "PASSPHRASE_CHANGE_FAILED", err, nil)
		return err
	}
	c.logAudit(requestID, "PASSPHRASE_CHANGE_COMPLETED", nil, nil)
	return nil
}

func (c *Core) ExportBackup(passphrase string) ([]byte, error) {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	data, err := c.identity.ExportBackup(passphrase)
	if err != nil {
		c.logAudit(requestID, "IDENTITY_BACKUP_FAILED", err, nil)
		return nil, err
	}
	c.logAudit(requestID, "IDENTITY_BACKUP_COMPLETED", nil, map[string]interface{}{"size": len(data)})
	return data, nil
}

func (c *Core) RestoreBackup(data []byte, passphrase string) (string, error) {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return "", err
	}

	fingerprint, err := c.identity.RestoreBackup(data, passphrase)
	if err != nil {
		c.logAudit(requestID, "IDENTITY_RESTORE_FAILED", err, nil)
		return "", err
	}
	c.logAudit(requestID, "IDENTITY_RESTORE_COMPLETED", nil, map[string]interface{}{"fingerprint": fingerprint})
	return fingerprint, nil
}

// DeleteIdentity closes every session and wipes the identity from storage.
// A *WipeError still means the identity is gone from this Core's point of view.
func (c *Core) DeleteIdentity() error {
	requestID := newRequestID()
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.mu.Lock()
	for s := range c.sessions {
		s.keyring.Destroy()
		delete(c.sessions, s)
	}
	c.mu.Unlock()

	err := c.identity.DeleteIdentity()
	c.replay.Reset()
	c.limiter.Reset()

	var wipeErr *WipeError
	metadata := map[string]interface{}{}
	if errors.As(err, &wipeErr) {
		metadata["failures"] = len(wipeErr.Failures)
	}
	if err != nil {
		c.logAudit(requestID, "IDENTITY_DELETE_FAILED", err, metadata)
		return err
	}
	c.logAudit(requestID, "IDENTITY_DELETE_COMPLETED", nil, metadata)
	return nil
}

// PurgeReplay drops expired ledger entries
func (c *Core) PurgeReplay() (int, error) {
	requestID := newRequestID()
	removed, err := c.replay.PurgeExpired()
	c.logAudit(requestID, "REPLAY_PURGE", err, map[string]interface{}{"removed": removed})
	return removed, err
}

// ClearReplay forgets every seen message
func (c *Core) ClearReplay() error {
	requestID := newRequestID()
	err := c.replay.ClearAll()
	c.logAudit(requestID, "REPLAY_CLEAR", err, nil)
	return err
}

// VerifyProfile checks the signature embedded in doc against pub
func (c *Core) VerifyProfile(doc map[string]any, pub *rsa.PublicKey) (bool, error) {
	requestID := newRequestID()

	sig, err := ExtractSignature(doc)
	if err != nil {
		c.logAudit(requestID, "PROFILE_VERIFY_FAILED", err, nil)
		return false, err
	}
	sp, err := NewSignableProfile(doc)
	if err != nil {
		c.logAudit(requestID, "PROFILE_VERIFY_FAILED", err, nil)
		return false, err
	}
	valid := VerifyProfileAt(sp, sig, pub, c.options.Clock.Now())
	c.logAudit(requestID, "PROFILE_VERIFY_COMPLETED", nil, map[string]interface{}{"valid": valid})
	return valid, nil
}

// Close ends every session, closes the audit logger and releases memory locks
func (c *Core) Close() error {
	requestID := newRequestID()
	var errs []error

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for s := range c.sessions {
		s.keyring.Destroy()
		delete(c.sessions, s)
	}
	c.mu.Unlock()

	c.logAudit(requestID, "CORE_SHUTDOWN", nil, nil)
	if err := c.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	if c.memoryProtectionLevel == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Core) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *Core) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["user_id"] = c.userID
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
		if class := ErrorClass(err); class != "" {
			metadata["error_class"] = string(class)
		}
	}

	if auditErr := c.audit.Log(action, success, metadata); auditErr != nil {
		c.log.WithError(auditErr).WithField("action", action).Error("audit logging failed")
	}
}

func newRequestID() string {
	return fmt.Sprintf("t_%d", time.Now().UnixNano())
}

type sessionMarker struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Session is an unlocked identity. It encrypts with the current key and
// decrypts with every key still inside the rotation transition period.
// Sessions are safe for concurrent use.
type Session struct {
	id      string
	core    *Core
	keyring *Keyring
	cipher  *MessageCipher
	opened  time.Time

	mu     sync.Mutex
	closed bool
}

func (s *Session) markerKey() string {
	return keySessionPrefix + s.id
}

func (s *Session) persistMarker() {
	data, err := json.Marshal(sessionMarker{ID: s.id, Fingerprint: s.keyring.Fingerprint(), OpenedAt: s.opened})
	if err == nil {
		err = s.core.store.Set(s.markerKey(), data)
	}
	if err != nil {
		s.core.log.WithError(err).Warn("failed to record session marker")
	}
}

func (s *Session) ID() string {
	return s.id
}

// Fingerprint of the current identity key
func (s *Session) Fingerprint() string {
	return s.keyring.Fingerprint()
}

func (s *Session) PublicKey() *rsa.PublicKey {
	return s.keyring.PublicKey()
}

// Keys lists the fingerprints this session can decrypt for, current first
func (s *Session) Keys() []string {
	return s.keyring.Fingerprints()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.keyring.Len() == 0 {
		return ErrSessionClosed
	}
	return nil
}

// Encrypt seals plaintext for recipient
func (s *Session) Encrypt(plaintext []byte, recipient *rsa.PublicKey, opts EncryptOptions) (string, error) {
	requestID := newRequestID()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	block, err := s.cipher.Encrypt(plaintext, recipient, opts)
	if err != nil {
		s.core.logAudit(requestID, "MESSAGE_ENCRYPT_FAILED", err, nil)
		return "", err
	}
	recipientFP, _ := Fingerprint(recipient)
	s.core.logAudit(requestID, "MESSAGE_ENCRYPT_COMPLETED", nil, map[string]interface{}{
		"fingerprint": s.Fingerprint(),
		"recipient":   recipientFP,
	})
	return block, nil
}

// EncryptTo resolves the recipient through the Directory and seals plaintext
func (s *Session) EncryptTo(ctx context.Context, plaintext []byte, recipientFingerprint string, opts EncryptOptions) (string, error) {
	recipient, err := s.core.directory.LookupPublicKey(ctx, recipientFingerprint)
	if err != nil {
		return "", err
	}
	return s.Encrypt(plaintext, recipient, opts)
}

// Decrypt opens a block addressed to this identity
func (s *Session) Decrypt(ctx context.Context, block string) (*DecryptedMessage, error) {
	requestID := newRequestID()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	msg, err := s.cipher.Decrypt(ctx, block)
	if err != nil {
		action := "MESSAGE_DECRYPT_FAILED"
		if errors.Is(err, ErrReplayDetected) {
			action = "MESSAGE_REPLAY_DETECTED"
		}
		s.core.logAudit(requestID, action, err, map[string]interface{}{"fingerprint": s.Fingerprint()})
		return nil, err
	}
	s.core.logAudit(requestID, "MESSAGE_DECRYPT_COMPLETED", nil, map[string]interface{}{
		"fingerprint": msg.Metadata.SenderFingerprint,
		"message_id":  msg.Metadata.MessageID,
		"status":      string(msg.Status),
	})
	return msg, nil
}

// SignProfile returns a copy of doc carrying a fresh signature by the current key
func (s *Session) SignProfile(doc map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sp, err := NewSignableProfile(doc)
	if err != nil {
		s.core.logAudit(requestID, "PROFILE_SIGN_FAILED", err, nil)
		return nil, err
	}
	var sig *ProfileSignature
	err = s.keyring.withCurrent(func(priv *rsa.PrivateKey) error {
		sig, err = SignProfileAt(sp, priv, s.core.options.Clock.Now())
		return err
	})
	if err != nil {
		s.core.logAudit(requestID, "PROFILE_SIGN_FAILED", err, nil)
		return nil, err
	}
	s.core.logAudit(requestID, "PROFILE_SIGN_COMPLETED", nil, map[string]interface{}{"fingerprint": s.Fingerprint()})
	return AttachSignature(doc, sig), nil
}

// Close forgets the session keys
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.keyring.Destroy()
	s.core.forget(s)
	if err := s.core.store.Delete(s.markerKey()); err != nil && !errors.Is(err, persist.ErrNotFound) {
		s.core.log.WithError(err).Warn("failed to remove session marker")
	}
	return nil
}
