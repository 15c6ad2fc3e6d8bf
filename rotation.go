package tryst

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"
)

// PreviousKey is a retired public key that may still receive messages
// while it is inside the transition period.
type PreviousKey struct {
	PublicKey     string    `json:"public_key"`
	CreatedAt     time.Time `json:"created_at"`
	DeactivatedAt time.Time `json:"deactivated_at"`
	Version       int       `json:"version"`
}

// KeyHistory tracks the current identity key and its retired predecessors,
// newest first.
type KeyHistory struct {
	CurrentKey        string        `json:"current_key"`
	PreviousKeys      []PreviousKey `json:"previous_keys"`
	RotationTimestamp time.Time     `json:"rotation_timestamp"`
	NextRotation      *time.Time    `json:"next_rotation,omitempty"`
	RotationVersion   int           `json:"rotation_version"`
}

func (h *KeyHistory) clone() *KeyHistory {
	c := *h
	c.PreviousKeys = append([]PreviousKey(nil), h.PreviousKeys...)
	if h.NextRotation != nil {
		next := *h.NextRotation
		c.NextRotation = &next
	}
	return &c
}

// RotationManager does the bookkeeping of key generations. It performs no
// cryptography and never mutates a history in place: every change returns a
// new KeyHistory.
//
// The manager answers three questions:
//   - when is the next rotation due (NeedsRotation)
//   - what does the history look like after installing a new key (Rotate)
//   - which keys may still decrypt incoming messages (ValidTargets)
//
// Senders always encrypt to CurrentKey. A retired key remains a valid
// decryption target while now - DeactivatedAt <= TransitionPeriod.
type RotationManager struct {
	config RotationConfig
	clock  Clock
}

func NewRotationManager(config RotationConfig, clock Clock) *RotationManager {
	if clock == nil {
		clock = SystemClock()
	}
	if config.Interval == 0 {
		config.Interval = DefaultRotationInterval
	}
	if config.MaxPreviousKeys == 0 {
		config.MaxPreviousKeys = DefaultMaxPreviousKeys
	}
	if config.TransitionPeriod == 0 {
		config.TransitionPeriod = DefaultTransitionPeriod
	}
	return &RotationManager{config: config, clock: clock}
}

func (rm *RotationManager) Config() RotationConfig {
	return rm.config
}

// Initialize creates the first history for pub
func (rm *RotationManager) Initialize(pub *rsa.PublicKey) (*KeyHistory, error) {
	pemText, err := ExportPublicPEM(pub)
	if err != nil {
		return nil, err
	}

	now := rm.clock.Now().UTC()
	next := now.Add(rm.config.Interval)
	return &KeyHistory{
		CurrentKey:        pemText,
		PreviousKeys:      []PreviousKey{},
		RotationTimestamp: now,
		NextRotation:      &next,
		RotationVersion:   1,
	}, nil
}

// NeedsRotation reports whether the rotation interval has elapsed
func (rm *RotationManager) NeedsRotation(h *KeyHistory) bool {
	if h == nil {
		return false
	}
	due := h.RotationTimestamp.Add(rm.config.Interval)
	if h.NextRotation != nil {
		due = *h.NextRotation
	}
	return !rm.clock.Now().Before(due)
}

// Rotate installs newPub as the current key. The outgoing key is moved to the
// front of PreviousKeys and the oldest entries beyond MaxPreviousKeys are dropped.
func (rm *RotationManager) Rotate(h *KeyHistory, newPub *rsa.PublicKey) (*KeyHistory, error) {
	if h == nil {
		return nil, fmt.Errorf("key history is nil")
	}
	pemText, err := ExportPublicPEM(newPub)
	if err != nil {
		return nil, err
	}
	if pemText == h.CurrentKey {
		return nil, fmt.Errorf("new key equals the current key")
	}

	now := rm.clock.Now().UTC()
	next := h.clone()

	retired := PreviousKey{
		PublicKey:     h.CurrentKey,
		CreatedAt:     h.RotationTimestamp,
		DeactivatedAt: now,
		Version:       h.RotationVersion,
	}
	next.PreviousKeys = append([]PreviousKey{retired}, next.PreviousKeys...)
	if len(next.PreviousKeys) > rm.config.MaxPreviousKeys {
		next.PreviousKeys = next.PreviousKeys[:rm.config.MaxPreviousKeys]
	}

	due := now.Add(rm.config.Interval)
	next.CurrentKey = pemText
	next.RotationTimestamp = now
	next.NextRotation = &due
	next.RotationVersion = h.RotationVersion + 1
	return next, nil
}

// ValidPrevious returns the retired keys still inside the transition period
func (rm *RotationManager) ValidPrevious(h *KeyHistory) []PreviousKey {
	if h == nil {
		return nil
	}
	var valid []PreviousKey
	for _, prev := range h.PreviousKeys {
		if rm.InTransition(prev.DeactivatedAt) {
			valid = append(valid, prev)
		}
	}
	return valid
}

// InTransition reports whether a key retired at deactivatedAt may still decrypt
func (rm *RotationManager) InTransition(deactivatedAt time.Time) bool {
	return rm.clock.Now().Sub(deactivatedAt) <= rm.config.TransitionPeriod
}

// ValidTargets returns the current key followed by every retired key that may
// still decrypt
func (rm *RotationManager) ValidTargets(h *KeyHistory) ([]*rsa.PublicKey, error) {
	if h == nil {
		return nil, fmt.Errorf("key history is nil")
	}
	current, err := ImportPublicPEM(h.CurrentKey)
	if err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}

	targets := []*rsa.PublicKey{current}
	for _, prev := range rm.ValidPrevious(h) {
		pub, err := ImportPublicPEM(prev.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("previous key version %d: %w", prev.Version, err)
		}
		targets = append(targets, pub)
	}
	return targets, nil
}

func marshalHistory(h *KeyHistory) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key history: %w", err)
	}
	return data, nil
}

func unmarshalHistory(data []byte) (*KeyHistory, error) {
	var h KeyHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode key history: %w", err)
	}
	return &h, nil
}
