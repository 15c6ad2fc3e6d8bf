package tryst

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Input errors: the caller handed over something unusable.
var (
	ErrWeakPassphrase       = errors.New("passphrase does not meet strength requirements")
	ErrMalformedKeyMaterial = errors.New("malformed key material")
	ErrMalformedEnvelope    = errors.New("malformed message envelope")
	ErrInvalidProfile       = errors.New("invalid profile document")
	ErrInvalidBackup        = errors.New("invalid identity backup")
)

// Crypto errors are deliberately generic so they cannot be used as an oracle.
var (
	ErrInvalidPassphraseOrCorruptKey = errors.New("invalid passphrase or corrupted key")
	ErrMetadataDecryptionFailed      = errors.New("message metadata could not be decrypted")
	ErrPayloadDecryptionFailed       = errors.New("message payload could not be decrypted")
	ErrSignatureRejected             = errors.New("message signature rejected")
)

// Protocol errors.
var (
	ErrInvalidTimestamp = errors.New("message timestamp is invalid")
	ErrMessageExpired   = errors.New("message has expired")
	ErrReplayDetected   = errors.New("message replay detected")
	ErrIdentityExists   = errors.New("identity already exists")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrSenderUnknown    = errors.New("sender public key not found")
	ErrSessionClosed    = errors.New("session is closed")

	ErrConcurrentRotation = errors.New("identity key was rotated concurrently")
)

// Resource errors.
var (
	ErrTooManyAttempts = errors.New("too many decryption attempts")
)

// Class groups errors for callers that only need to decide how to react
type Class string

const (
	ClassInput    Class = "input"
	ClassCrypto   Class = "crypto"
	ClassProtocol Class = "protocol"
	ClassResource Class = "resource"
	ClassUnknown  Class = "unknown"
)

var errorClasses = []struct {
	class Class
	errs  []error
}{
	{ClassInput, []error{ErrWeakPassphrase, ErrMalformedKeyMaterial, ErrMalformedEnvelope, ErrInvalidProfile, ErrInvalidBackup}},
	{ClassCrypto, []error{ErrInvalidPassphraseOrCorruptKey, ErrMetadataDecryptionFailed, ErrPayloadDecryptionFailed, ErrSignatureRejected}},
	{ClassProtocol, []error{ErrInvalidTimestamp, ErrMessageExpired, ErrReplayDetected, ErrIdentityExists, ErrIdentityNotFound, ErrSenderUnknown, ErrSessionClosed, ErrConcurrentRotation}},
	{ClassResource, []error{ErrTooManyAttempts}},
}

// ErrorClass reports which taxonomy group err belongs to
func ErrorClass(err error) Class {
	if err == nil {
		return ""
	}
	for _, group := range errorClasses {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ClassUnknown
}

// WeakPassphraseError lists every policy rule a passphrase violated
type WeakPassphraseError struct {
	Reasons []string
}

func (e *WeakPassphraseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWeakPassphrase.Error(), strings.Join(e.Reasons, "; "))
}

func (e *WeakPassphraseError) Unwrap() error {
	return ErrWeakPassphrase
}

// RateLimitError is returned once the decrypt attempt budget is spent
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrTooManyAttempts.Error(), e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error {
	return ErrTooManyAttempts
}

// WipeError collects the blobs that could not be removed while deleting an identity.
// The identity must be treated as gone even when this error is returned.
type WipeError struct {
	Failures map[string]error
}

func (e *WipeError) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failures[k]))
	}
	return fmt.Sprintf("identity wipe incomplete (%d failures): %s", len(keys), strings.Join(parts, "; "))
}

func (e *WipeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
