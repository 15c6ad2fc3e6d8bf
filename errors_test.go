package tryst

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err   error
		class Class
	}{
		{nil, ""},
		{ErrWeakPassphrase, ClassInput},
		{&WeakPassphraseError{Reasons: []string{"short"}}, ClassInput},
		{fmt.Errorf("%w: missing IV", ErrMalformedEnvelope), ClassInput},
		{ErrInvalidBackup, ClassInput},
		{ErrMetadataDecryptionFailed, ClassCrypto},
		{fmt.Errorf("%w: invalid", ErrSignatureRejected), ClassCrypto},
		{ErrReplayDetected, ClassProtocol},
		{ErrSessionClosed, ClassProtocol},
		{fmt.Errorf("failed to persist key history: %w", ErrConcurrentRotation), ClassProtocol},
		{&RateLimitError{RetryAfter: time.Second}, ClassResource},
		{errors.New("disk on fire"), ClassUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, ErrorClass(tt.err), "%v", tt.err)
	}
}

func TestWeakPassphraseError(t *testing.T) {
	err := &WeakPassphraseError{Reasons: []string{"too short", "too plain"}}
	assert.Equal(t, "passphrase does not meet strength requirements: too short; too plain", err.Error())
	require.ErrorIs(t, err, ErrWeakPassphrase)
}

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{RetryAfter: 1500*time.Millisecond + 300*time.Microsecond}
	assert.Equal(t, "too many decryption attempts: retry after 1.5s", err.Error())
	require.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestWipeError(t *testing.T) {
	diskErr := errors.New("disk error")
	err := &WipeError{Failures: map[string]error{
		"identity/public":  diskErr,
		"identity/history": errors.New("timeout"),
	}}
	assert.Equal(t,
		"identity wipe incomplete (2 failures): identity/history: timeout; identity/public: disk error",
		err.Error())
	require.ErrorIs(t, err, diskErr)
}
