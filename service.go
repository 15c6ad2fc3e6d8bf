package tryst

import (
	"crypto/rsa"

	"southwinds.dev/tryst/internal/mem"
)

// Service is the application-facing surface of a Core.
//
// Every state-changing operation is written to the audit log with a request
// id. Cryptographic failures are reported through the generic sentinels
// (ErrInvalidPassphraseOrCorruptKey, ErrMetadataDecryptionFailed,
// ErrPayloadDecryptionFailed) so that responses cannot be used as an oracle.
//
// Thread Safety:
// Implementations are safe for concurrent use. Identity writes are serialized;
// sessions may encrypt and decrypt in parallel.
type Service interface {

	// === Identity lifecycle ===

	// CreateIdentity generates an RSA identity sealed under passphrase and
	// returns its fingerprint.
	//
	// Returns:
	//   - *WeakPassphraseError when the passphrase fails the policy
	//   - ErrIdentityExists when an identity is already stored
	CreateIdentity(passphrase string) (fingerprint string, err error)

	// Open unlocks the identity and returns a Session. The session holds the
	// current key and every retired key still inside the transition period.
	//
	// Returns:
	//   - ErrIdentityNotFound when no identity is stored
	//   - ErrInvalidPassphraseOrCorruptKey for any unwrap failure
	Open(passphrase string) (*Session, error)

	// PublicKeyPEM returns the current public key in PEM form for publishing
	PublicKeyPEM() (string, error)

	// ChangePassphrase re-seals the current and archived keys under a new
	// passphrase. Either every record is re-sealed or none is.
	ChangePassphrase(oldPassphrase, newPassphrase string) error

	// DeleteIdentity wipes the identity, archived keys, replay ledger,
	// session markers and stored peer keys, and closes every open session. A *WipeError lists the
	// blobs that could not be removed; the identity must be treated as gone.
	DeleteIdentity() error

	// === Key rotation ===

	// RotateKeys installs a new identity key. Open sessions switch to the new
	// key for encryption and keep the old key for decryption during the
	// transition period.
	//
	// Example:
	//   history, err := core.RotateKeys(passphrase, "suspected device loss")
	//   if err != nil {
	//       return fmt.Errorf("rotation failed: %w", err)
	//   }
	//   fmt.Printf("now at key generation %d\n", history.RotationVersion)
	RotateKeys(passphrase, reason string) (*KeyHistory, error)

	// RotateIfDue rotates only when the rotation interval has elapsed
	RotateIfDue(passphrase string) (rotated bool, history *KeyHistory, err error)

	// === Backup ===

	// ExportBackup returns a passphrase-encrypted container of every identity record
	ExportBackup(passphrase string) ([]byte, error)

	// RestoreBackup installs an identity from a container made by ExportBackup.
	// Fails with ErrIdentityExists when an identity is present.
	RestoreBackup(data []byte, passphrase string) (fingerprint string, err error)

	// === Replay ledger ===

	PurgeReplay() (removed int, err error)
	ClearReplay() error

	// === Profiles ===

	// VerifyProfile checks the signature embedded in a profile document
	VerifyProfile(doc map[string]any, pub *rsa.PublicKey) (bool, error)

	// === Housekeeping ===

	MemoryProtection() mem.ProtectionLevel
	Close() error
}

var _ Service = (*Core)(nil)
