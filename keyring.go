package tryst

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

type keyringEntry struct {
	fingerprint string
	public      *rsa.PublicKey
	enclave     *memguard.Enclave
	// zero for the current key
	retiredAt time.Time
}

// Keyring holds the unlocked private keys of an identity: the current key
// first, then every retired key still inside the transition period. Retired
// keys are checked against the transition period on every use, so a long
// lived session stops decrypting with a key once its window closes. Private
// key bytes live in memguard enclaves and are parsed only for the duration of
// a single operation.
type Keyring struct {
	mu       sync.RWMutex
	entries  []keyringEntry
	rotation *RotationManager
}

// newKeyring returns an empty keyring. A nil rotation manager never expires
// retired keys.
func newKeyring(rotation *RotationManager) *Keyring {
	return &Keyring{rotation: rotation}
}

// add seals priv into an enclave. The first key added is the current key.
func (k *Keyring) add(priv *rsa.PrivateKey) error {
	return k.addRetired(priv, time.Time{})
}

// addRetired seals a key that was deactivated at retiredAt
func (k *Keyring) addRetired(priv *rsa.PrivateKey, retiredAt time.Time) error {
	fingerprint, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	pub := priv.PublicKey

	k.mu.Lock()
	defer k.mu.Unlock()
	// NewEnclave wipes der
	k.entries = append(k.entries, keyringEntry{
		fingerprint: fingerprint,
		public:      &pub,
		enclave:     memguard.NewEnclave(der),
		retiredAt:   retiredAt,
	})
	return nil
}

// Len returns the number of keys held
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Fingerprint of the current key, empty once destroyed
func (k *Keyring) Fingerprint() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.entries) == 0 {
		return ""
	}
	return k.entries[0].fingerprint
}

func (k *Keyring) PublicKey() *rsa.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.entries) == 0 {
		return nil
	}
	return k.entries[0].public
}

// Fingerprints lists all held keys, current first
func (k *Keyring) Fingerprints() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.entries))
	for _, e := range k.entries {
		if k.usable(e) {
			out = append(out, e.fingerprint)
		}
	}
	return out
}

// withCurrent opens the current key for the duration of fn
func (k *Keyring) withCurrent(fn func(priv *rsa.PrivateKey) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.entries) == 0 {
		return ErrSessionClosed
	}
	priv, err := openEnclave(k.entries[0].enclave)
	if err != nil {
		return err
	}
	return fn(priv)
}

// each opens every key in order until fn returns true
func (k *Keyring) each(fn func(fingerprint string, priv *rsa.PrivateKey) bool) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.entries) == 0 {
		return ErrSessionClosed
	}
	for _, e := range k.entries {
		if !k.usable(e) {
			continue
		}
		priv, err := openEnclave(e.enclave)
		if err != nil {
			return err
		}
		if fn(e.fingerprint, priv) {
			return nil
		}
	}
	return nil
}

// usable is false for a retired key past its transition period
func (k *Keyring) usable(e keyringEntry) bool {
	if e.retiredAt.IsZero() || k.rotation == nil {
		return true
	}
	return k.rotation.InTransition(e.retiredAt)
}

// replaceWith installs the keys of other into k. Enclaves are immutable, so
// both keyrings may share them.
func (k *Keyring) replaceWith(other *Keyring) {
	other.mu.RLock()
	entries := append([]keyringEntry(nil), other.entries...)
	rotation := other.rotation
	other.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = entries
	k.rotation = rotation
}

// Destroy forgets every key
func (k *Keyring) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = nil
}

func openEnclave(enclave *memguard.Enclave) (*rsa.PrivateKey, error) {
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("enclave does not hold an RSA key")
	}
	return priv, nil
}
