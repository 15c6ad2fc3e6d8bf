package tryst

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"southwinds.dev/tryst/persist"
)

const (
	maxRetries = 5
	baseDelay  = 20 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry executes fn with exponential backoff on concurrency conflicts.
// Any other error is returned immediately.
func withRetry(config RetryConfig, operation string, fn func() error) error {
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !persist.IsConcurrencyError(err) {
			return err
		}
		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * time.Duration(1<<attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		// 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
		time.Sleep(delay)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// updateBlob read-modify-writes key. On a VersionedStore the write is a
// compare and swap that is retried with a fresh read on conflict; on a plain
// Store it is a best-effort overwrite. mutate receives nil when key is absent.
func updateBlob(store persist.Store, config RetryConfig, key string, mutate func(current []byte) ([]byte, error)) error {
	vs, ok := store.(persist.VersionedStore)
	if !ok {
		current, err := store.Get(key)
		if err != nil && !errors.Is(err, persist.ErrNotFound) {
			return fmt.Errorf("failed to load %s: %w", key, err)
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		return store.Set(key, next)
	}

	return withRetry(config, "update "+key, func() error {
		var current []byte
		version := ""

		vd, err := vs.GetVersioned(key)
		switch {
		case err == nil:
			current, version = vd.Data, vd.Version
		case !errors.Is(err, persist.ErrNotFound):
			return fmt.Errorf("failed to load %s: %w", key, err)
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}
		_, err = vs.SetVersioned(key, next, version)
		return err
	})
}
