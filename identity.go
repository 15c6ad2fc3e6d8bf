package tryst

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"southwinds.dev/tryst/persist"
)

// Persistence layout
const (
	keyPrivate       = "identity/private"
	keyPublic        = "identity/public"
	keyHistory       = "identity/history"
	keyArchivePrefix = "identity/archive/"
	keyReplayLedger  = "replay/ledger"
	keySessionPrefix = "session/"
	keyPeerPrefix    = "peers/"
)

func archiveKey(fingerprint string) string {
	return keyArchivePrefix + fingerprint
}

// IdentityManager owns the identity keypair at rest: generation, passphrase
// sealing, unlocking, rotation and deletion. It never keeps private keys after
// a call returns; use UnlockKeyring for a long-lived set of keys.
type IdentityManager struct {
	mu       sync.Mutex
	store    persist.Store
	rotation *RotationManager
	clock    Clock
	retry    RetryConfig
	log      *logrus.Entry
}

func NewIdentityManager(store persist.Store, options Options) *IdentityManager {
	options = options.withDefaults()
	return &IdentityManager{
		store:    store,
		rotation: NewRotationManager(options.Rotation, options.Clock),
		clock:    options.Clock,
		retry:    DefaultRetryConfig(),
		log:      options.Logger.WithField("component", "identity"),
	}
}

// Rotation exposes the bookkeeping manager used by this identity
func (im *IdentityManager) Rotation() *RotationManager {
	return im.rotation
}

// Generate creates a new RSA identity sealed under passphrase.
//
// The private record, the public PEM and the initial key history are written
// together. If any write fails the blobs already written are removed again, so
// a failed Generate never leaves a partial identity behind.
//
// ERRORS:
//   - *WeakPassphraseError (ErrWeakPassphrase) listing every violated rule
//   - ErrIdentityExists when a private record is already stored
//   - storage errors, wrapped
func (im *IdentityManager) Generate(passphrase string) (*rsa.PublicKey, *EncryptedKeyRecord, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, nil, err
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	exists, err := im.exists()
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrIdentityExists
	}

	priv, err := generateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	pass := []byte(passphrase)
	defer memguard.WipeBytes(pass)

	rec, err := sealPrivateKey(priv, pass, im.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	history, err := im.rotation.Initialize(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	if err = im.writeIdentity(rec, history); err != nil {
		return nil, nil, err
	}

	im.log.WithField("fingerprint", rec.Fingerprint).Info("identity generated")
	return &priv.PublicKey, rec, nil
}

// writeIdentity stores record, public key and history, removing whatever was
// written if a later write fails.
func (im *IdentityManager) writeIdentity(rec *EncryptedKeyRecord, history *KeyHistory) error {
	recData, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	histData, err := marshalHistory(history)
	if err != nil {
		return err
	}

	blobs := []struct {
		key  string
		data []byte
	}{
		{keyPrivate, recData},
		{keyPublic, []byte(history.CurrentKey)},
		{keyHistory, histData},
	}

	var written []string
	for _, b := range blobs {
		if err = im.store.Set(b.key, b.data); err != nil {
			for _, key := range written {
				if delErr := im.store.Delete(key); delErr != nil {
					im.log.WithError(delErr).WithField("key", key).Error("failed to roll back partial identity")
				}
			}
			return fmt.Errorf("failed to persist %s: %w", b.key, err)
		}
		written = append(written, b.key)
	}
	return nil
}

// Unlock returns the current private key.
//
// Every failure to unwrap (wrong passphrase, tampered record, unparsable
// key) is reported as ErrInvalidPassphraseOrCorruptKey; the specific cause is
// only logged at debug level. There is no internal retry.
func (im *IdentityManager) Unlock(passphrase string) (*rsa.PrivateKey, error) {
	rec, err := im.loadRecord(keyPrivate)
	if err != nil {
		return nil, err
	}
	return im.open(rec, passphrase)
}

func (im *IdentityManager) open(rec *EncryptedKeyRecord, passphrase string) (*rsa.PrivateKey, error) {
	pass := []byte(passphrase)
	defer memguard.WipeBytes(pass)

	priv, cause := openPrivateKey(rec, pass)
	if cause != nil {
		im.log.WithError(cause).Debug("private key unwrap failed")
		return nil, ErrInvalidPassphraseOrCorruptKey
	}
	return priv, nil
}

func (im *IdentityManager) loadRecord(key string) (*EncryptedKeyRecord, error) {
	data, err := im.store.Get(key)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	rec, err := unmarshalRecord(data)
	if err != nil {
		im.log.WithError(err).WithField("key", key).Debug("key record unparsable")
		return nil, ErrInvalidPassphraseOrCorruptKey
	}
	return rec, nil
}

// UnlockKeyring unlocks the current key plus every archived key that is
// still a valid decryption target. Archived keys that cannot be opened are
// skipped with a warning; the current key must open.
func (im *IdentityManager) UnlockKeyring(passphrase string) (*Keyring, error) {
	current, err := im.Unlock(passphrase)
	if err != nil {
		return nil, err
	}

	keyring := newKeyring(im.rotation)
	if err = keyring.add(current); err != nil {
		return nil, err
	}

	history, err := im.History()
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return keyring, nil
		}
		return nil, err
	}

	for _, prev := range im.rotation.ValidPrevious(history) {
		pub, err := ImportPublicPEM(prev.PublicKey)
		if err != nil {
			im.log.WithError(err).WithField("version", prev.Version).Warn("skipping unparsable previous key")
			continue
		}
		fingerprint, _ := Fingerprint(pub)
		rec, err := im.loadRecord(archiveKey(fingerprint))
		if err != nil {
			im.log.WithError(err).WithField("fingerprint", fingerprint).Warn("previous key archive unavailable")
			continue
		}
		priv, err := im.open(rec, passphrase)
		if err != nil {
			im.log.WithField("fingerprint", fingerprint).Warn("previous key archive does not open")
			continue
		}
		if err = keyring.addRetired(priv, prev.DeactivatedAt); err != nil {
			return nil, err
		}
	}
	return keyring, nil
}

// Exists reports whether a private record is stored
func (im *IdentityManager) Exists() (bool, error) {
	return im.exists()
}

func (im *IdentityManager) exists() (bool, error) {
	_, err := im.store.Get(keyPrivate)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, persist.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check identity: %w", err)
}

// HasPassphraseProtection reports whether the stored record is a well-formed
// passphrase-sealed record. It does not need the passphrase.
func (im *IdentityManager) HasPassphraseProtection() (bool, error) {
	data, err := im.store.Get(keyPrivate)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load identity: %w", err)
	}
	rec, err := unmarshalRecord(data)
	if err != nil {
		return false, nil
	}
	return rec.KDF == kdfName && rec.Iterations > 0 && len(rec.Salt) > 0 &&
		len(rec.IV) > 0 && len(rec.WrappedKey) > 0, nil
}

// PublicKey returns the current public key
func (im *IdentityManager) PublicKey() (*rsa.PublicKey, error) {
	data, err := im.store.Get(keyPublic)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	return ImportPublicPEM(string(data))
}

// History returns the stored key history
func (im *IdentityManager) History() (*KeyHistory, error) {
	data, err := im.store.Get(keyHistory)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to load key history: %w", err)
	}
	return unmarshalHistory(data)
}

// RotateKeys replaces the identity key with a freshly generated one.
//
// OPERATION FLOW:
//  1. Unlock the current key (proves the passphrase)
//  2. Generate and seal the new key under the same passphrase
//  3. Persist the new history
//  4. Archive the outgoing private record under identity/archive/<fingerprint>,
//     then persist the new record and public key
//  5. Prune archives whose keys dropped out of the history
//
// The history is written first with a version check, so a rotation that
// raced with another writer fails with ErrConcurrentRotation before anything
// else changes. Any later failure restores the previous blobs. Pruning failures are
// logged and do not fail the rotation.
func (im *IdentityManager) RotateKeys(passphrase string, reason string) (*KeyHistory, error) {
	if reason == "" {
		reason = "manual rotation"
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	oldRecData, err := im.store.Get(keyPrivate)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	oldRec, err := unmarshalRecord(oldRecData)
	if err != nil {
		return nil, ErrInvalidPassphraseOrCorruptKey
	}
	oldPriv, err := im.open(oldRec, passphrase)
	if err != nil {
		return nil, err
	}

	oldPubData, _ := im.store.Get(keyPublic)
	oldHistData, histErr := im.store.Get(keyHistory)

	var history *KeyHistory
	if histErr == nil {
		if history, err = unmarshalHistory(oldHistData); err != nil {
			return nil, err
		}
	} else if errors.Is(histErr, persist.ErrNotFound) {
		if history, err = im.rotation.Initialize(&oldPriv.PublicKey); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("failed to load key history: %w", histErr)
	}

	newPriv, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	pass := []byte(passphrase)
	newRec, err := sealPrivateKey(newPriv, pass, im.clock.Now())
	memguard.WipeBytes(pass)
	if err != nil {
		return nil, err
	}
	newHistory, err := im.rotation.Rotate(history, &newPriv.PublicKey)
	if err != nil {
		return nil, err
	}

	newRecData, err := marshalRecord(newRec)
	if err != nil {
		return nil, err
	}
	newHistData, err := marshalHistory(newHistory)
	if err != nil {
		return nil, err
	}

	rollback := func(cause error) error {
		restore := map[string][]byte{keyPrivate: oldRecData, keyPublic: oldPubData}
		if histErr == nil {
			restore[keyHistory] = oldHistData
		} else if err := im.store.Delete(keyHistory); err != nil {
			im.log.WithError(err).Error("failed to remove key history during rollback")
		}
		for key, data := range restore {
			if data == nil {
				continue
			}
			if err := im.store.Set(key, data); err != nil {
				im.log.WithError(err).WithField("key", key).Error("failed to roll back key rotation")
			}
		}
		if err := im.store.Delete(archiveKey(oldRec.Fingerprint)); err != nil {
			im.log.WithError(err).Error("failed to remove archive during rollback")
		}
		return cause
	}

	// history goes first: it is the compare and swap point between rotations
	if err = im.saveHistory(newHistData, history.RotationVersion, histErr == nil); err != nil {
		return nil, fmt.Errorf("failed to persist key history: %w", err)
	}
	if err = im.store.Set(archiveKey(oldRec.Fingerprint), oldRecData); err != nil {
		return nil, rollback(fmt.Errorf("failed to archive previous key: %w", err))
	}
	if err = im.store.Set(keyPrivate, newRecData); err != nil {
		return nil, rollback(fmt.Errorf("failed to persist new key: %w", err))
	}
	if err = im.store.Set(keyPublic, []byte(newHistory.CurrentKey)); err != nil {
		return nil, rollback(fmt.Errorf("failed to persist new public key: %w", err))
	}

	im.pruneArchives(newHistory)

	im.log.WithFields(logrus.Fields{
		"old_fingerprint":  oldRec.Fingerprint,
		"new_fingerprint":  newRec.Fingerprint,
		"rotation_version": newHistory.RotationVersion,
		"reason":           reason,
	}).Info("identity key rotated")
	return newHistory, nil
}

// saveHistory writes data only while the stored history is still at
// baseVersion. A history that moved on means another writer rotated the
// identity since it was read.
func (im *IdentityManager) saveHistory(data []byte, baseVersion int, hadHistory bool) error {
	return updateBlob(im.store, im.retry, keyHistory, func(current []byte) ([]byte, error) {
		if current == nil {
			if hadHistory {
				return nil, fmt.Errorf("%w: key history was removed", ErrConcurrentRotation)
			}
			return data, nil
		}
		stored, err := unmarshalHistory(current)
		if err != nil {
			return nil, err
		}
		if !hadHistory || stored.RotationVersion != baseVersion {
			return nil, fmt.Errorf("%w: expected version %d, found %d", ErrConcurrentRotation, baseVersion, stored.RotationVersion)
		}
		return data, nil
	})
}

// RotateIfDue rotates only when the rotation interval has elapsed
func (im *IdentityManager) RotateIfDue(passphrase string) (bool, *KeyHistory, error) {
	history, err := im.History()
	if err != nil {
		return false, nil, err
	}
	if !im.rotation.NeedsRotation(history) {
		return false, history, nil
	}
	next, err := im.RotateKeys(passphrase, "scheduled rotation")
	if err != nil {
		return false, nil, err
	}
	return true, next, nil
}

// pruneArchives deletes archived private keys that are no longer listed in history
func (im *IdentityManager) pruneArchives(history *KeyHistory) {
	keep := make(map[string]bool)
	for _, prev := range history.PreviousKeys {
		pub, err := ImportPublicPEM(prev.PublicKey)
		if err != nil {
			continue
		}
		if fp, err := Fingerprint(pub); err == nil {
			keep[fp] = true
		}
	}

	keys, err := im.store.List(keyArchivePrefix)
	if err != nil {
		im.log.WithError(err).Warn("failed to list key archives")
		return
	}
	for _, key := range keys {
		if keep[strings.TrimPrefix(key, keyArchivePrefix)] {
			continue
		}
		if err := im.store.Delete(key); err != nil {
			im.log.WithError(err).WithField("key", key).Warn("failed to prune key archive")
		}
	}
}

// DeleteIdentity removes every blob belonging to the identity: the private
// record, public key, history, archived keys, the replay ledger, session
// artifacts and stored peer keys. Each deletion is attempted independently; failures are collected
// into a *WipeError. Callers must treat the identity as gone either way.
func (im *IdentityManager) DeleteIdentity() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	failures := make(map[string]error)
	targets := []string{keyPrivate, keyPublic, keyHistory, keyReplayLedger}

	for _, prefix := range []string{keyArchivePrefix, keySessionPrefix, keyPeerPrefix} {
		keys, err := im.store.List(prefix)
		if err != nil {
			failures[prefix+"*"] = err
			continue
		}
		targets = append(targets, keys...)
	}

	for _, key := range targets {
		if err := im.store.Delete(key); err != nil && !errors.Is(err, persist.ErrNotFound) {
			failures[key] = err
		}
	}

	if len(failures) > 0 {
		im.log.WithField("failures", len(failures)).Error("identity wipe incomplete")
		return &WipeError{Failures: failures}
	}
	im.log.Info("identity deleted")
	return nil
}
