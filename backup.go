package tryst

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"southwinds.dev/tryst/internal/backup"
	"southwinds.dev/tryst/internal/crypto"
	"southwinds.dev/tryst/persist"
)

const (
	backupVersion          = "1.0"
	backupEncryptionMethod = "argon2id-chacha20poly1305"
)

// IdentityBackup is the portable container produced by ExportBackup
type IdentityBackup struct {
	BackupID         string    `json:"backup_id"`
	CreatedAt        time.Time `json:"created_at"`
	Version          string    `json:"version"`
	Fingerprint      string    `json:"fingerprint"`
	EncryptionMethod string    `json:"encryption_method"`
	Checksum         string    `json:"checksum"`
	EncryptedData    string    `json:"encrypted_data"`
}

type backupPayload struct {
	Records map[string][]byte `json:"records"`
}

// ExportBackup packages every identity record (private key, public key,
// history and archived keys) into a passphrase-encrypted container.
//
// The passphrase must unlock the current identity; it is also the backup
// passphrase. Private keys stay sealed inside their records, so the container
// is encrypted twice: once per record with PBKDF2 and once as a whole with
// Argon2id.
//
// ERRORS:
//   - ErrIdentityNotFound when no identity is stored
//   - ErrInvalidPassphraseOrCorruptKey when the passphrase does not unlock it
func (im *IdentityManager) ExportBackup(passphrase string) ([]byte, error) {
	priv, err := im.Unlock(passphrase)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	keys := []string{keyPrivate, keyPublic, keyHistory}
	archives, err := im.store.List(keyArchivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list key archives: %w", err)
	}
	keys = append(keys, archives...)

	payload := backupPayload{Records: make(map[string][]byte, len(keys))}
	for _, key := range keys {
		data, err := im.store.Get(key)
		if err != nil {
			if errors.Is(err, persist.ErrNotFound) && key == keyHistory {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		payload.Records[key] = data
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup data: %w", err)
	}
	encrypted, err := crypto.EncryptWithPassphrase(payloadJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt with passphrase: %w", err)
	}

	container := IdentityBackup{
		BackupID:         backup.GenerateBackupID(),
		CreatedAt:        im.clock.Now().UTC(),
		Version:          backupVersion,
		Fingerprint:      fingerprint,
		EncryptionMethod: backupEncryptionMethod,
		Checksum:         crypto.CalculateChecksum(encrypted),
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
	}
	out, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup container: %w", err)
	}

	im.log.WithField("backup_id", container.BackupID).Info("identity backup exported")
	return out, nil
}

// RestoreBackup installs the identity contained in data.
//
// RESTORATION ALGORITHM:
//  1. Refuse when an identity is already present
//  2. Validate container format, version and checksum
//  3. Decrypt the container with passphrase
//  4. Confirm the private record opens with passphrase and matches the
//     container fingerprint
//  5. Write every record, removing what was written if any write fails
//
// ERRORS:
//   - ErrIdentityExists when an identity is present
//   - ErrInvalidBackup for format, version or checksum problems
//   - ErrInvalidPassphraseOrCorruptKey when decryption or unlock fails
func (im *IdentityManager) RestoreBackup(data []byte, passphrase string) (string, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	exists, err := im.exists()
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrIdentityExists
	}

	var container IdentityBackup
	if err = json.Unmarshal(data, &container); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if container.Version != backupVersion || container.EncryptionMethod != backupEncryptionMethod {
		return "", fmt.Errorf("%w: unsupported version %q method %q", ErrInvalidBackup, container.Version, container.EncryptionMethod)
	}
	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode backup data", ErrInvalidBackup)
	}
	if crypto.CalculateChecksum(encrypted) != container.Checksum {
		return "", fmt.Errorf("%w: backup integrity check failed", ErrInvalidBackup)
	}

	payloadJSON, err := crypto.DecryptWithPassphrase(encrypted, passphrase)
	if err != nil {
		im.log.WithError(err).Debug("backup decryption failed")
		return "", ErrInvalidPassphraseOrCorruptKey
	}
	defer crypto.Wipe(payloadJSON)

	var payload backupPayload
	if err = json.Unmarshal(payloadJSON, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	for key := range payload.Records {
		if key != keyPrivate && key != keyPublic && key != keyHistory && !strings.HasPrefix(key, keyArchivePrefix) {
			return "", fmt.Errorf("%w: unexpected record %q", ErrInvalidBackup, key)
		}
	}
	recData, ok := payload.Records[keyPrivate]
	if !ok {
		return "", fmt.Errorf("%w: private record missing", ErrInvalidBackup)
	}
	if _, ok = payload.Records[keyPublic]; !ok {
		return "", fmt.Errorf("%w: public key missing", ErrInvalidBackup)
	}

	rec, err := unmarshalRecord(recData)
	if err != nil {
		return "", fmt.Errorf("%w: private record unreadable", ErrInvalidBackup)
	}
	if _, err = im.open(rec, passphrase); err != nil {
		return "", err
	}
	if rec.Fingerprint != container.Fingerprint {
		return "", fmt.Errorf("%w: fingerprint mismatch", ErrInvalidBackup)
	}

	keys := make([]string, 0, len(payload.Records))
	for key := range payload.Records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var written []string
	for _, key := range keys {
		if err = im.store.Set(key, payload.Records[key]); err != nil {
			for _, done := range written {
				if delErr := im.store.Delete(done); delErr != nil {
					im.log.WithError(delErr).WithField("key", done).Error("failed to roll back partial restore")
				}
			}
			return "", fmt.Errorf("failed to restore %s: %w", key, err)
		}
		written = append(written, key)
	}

	im.log.WithFields(map[string]interface{}{
		"backup_id":   container.BackupID,
		"fingerprint": container.Fingerprint,
	}).Info("identity restored from backup")
	return container.Fingerprint, nil
}
