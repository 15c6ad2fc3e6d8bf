package tryst

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"southwinds.dev/tryst/persist"
)

// Directory resolves a sender fingerprint to the sender's published public key.
// Implementations return ErrSenderUnknown when the fingerprint is not known.
type Directory interface {
	LookupPublicKey(ctx context.Context, fingerprint string) (*rsa.PublicKey, error)
}

// StaticDirectory is an in-memory Directory
type StaticDirectory struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func NewStaticDirectory(keys ...*rsa.PublicKey) (*StaticDirectory, error) {
	d := &StaticDirectory{keys: make(map[string]*rsa.PublicKey)}
	for _, pub := range keys {
		if _, err := d.Add(pub); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers pub and returns its fingerprint
func (d *StaticDirectory) Add(pub *rsa.PublicKey) (string, error) {
	fingerprint, err := Fingerprint(pub)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[fingerprint] = pub
	return fingerprint, nil
}

func (d *StaticDirectory) LookupPublicKey(ctx context.Context, fingerprint string) (*rsa.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[fingerprint]
	if !ok {
		return nil, ErrSenderUnknown
	}
	return pub, nil
}

// StoreDirectory keeps peer public keys as PEM blobs under peers/<fingerprint>
type StoreDirectory struct {
	store persist.Store
}

func NewStoreDirectory(store persist.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

// Add imports a peer PEM and returns its fingerprint
func (d *StoreDirectory) Add(pemText string) (string, error) {
	pub, err := ImportPublicPEM(pemText)
	if err != nil {
		return "", err
	}
	fingerprint, err := Fingerprint(pub)
	if err != nil {
		return "", err
	}
	normalized, err := ExportPublicPEM(pub)
	if err != nil {
		return "", err
	}
	if err = d.store.Set(keyPeerPrefix+fingerprint, []byte(normalized)); err != nil {
		return "", fmt.Errorf("failed to store peer key: %w", err)
	}
	return fingerprint, nil
}

// Remove forgets a peer. Unknown fingerprints yield ErrSenderUnknown.
func (d *StoreDirectory) Remove(fingerprint string) error {
	key := keyPeerPrefix + fingerprint
	if _, err := d.store.Get(key); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return ErrSenderUnknown
		}
		return fmt.Errorf("failed to load peer key: %w", err)
	}
	if err := d.store.Delete(key); err != nil {
		return fmt.Errorf("failed to remove peer key: %w", err)
	}
	return nil
}

// List returns the fingerprints of all stored peers
func (d *StoreDirectory) List() ([]string, error) {
	keys, err := d.store.List(keyPeerPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, keyPeerPrefix))
	}
	return out, nil
}

func (d *StoreDirectory) LookupPublicKey(ctx context.Context, fingerprint string) (*rsa.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := d.store.Get(keyPeerPrefix + fingerprint)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrSenderUnknown
		}
		return nil, fmt.Errorf("failed to load peer key: %w", err)
	}
	return ImportPublicPEM(string(data))
}
