package tryst

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/awnumar/memguard"
	"github.com/nbutton23/zxcvbn-go"
	"github.com/tyler-smith/go-bip39"
	"southwinds.dev/tryst/persist"
)

const (
	minPassphraseWords  = 4
	minPassphraseLength = 12
	minCharacterClasses = 2
	minStrengthScore    = 3
	maxRepeatedRun      = 2

	suggestedWords    = 5
	suggestAttempts   = 10
	suggestDigitRange = 100
)

var passphraseDenylist = []string{
	"password", "123456", "qwerty", "letmein", "admin", "welcome", "abc123", "iloveyou",
}

// ValidatePassphrase checks passphrase against the identity passphrase policy.
// All rules are evaluated so the returned *WeakPassphraseError lists every
// violation at once.
func ValidatePassphrase(passphrase string) error {
	var reasons []string

	words := strings.FieldsFunc(passphrase, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(words) < minPassphraseWords {
		reasons = append(reasons, fmt.Sprintf("must contain at least %d words", minPassphraseWords))
	}

	runes := []rune(passphrase)
	if len(runes) < minPassphraseLength {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", minPassphraseLength))
	}

	var letters, digits, symbols bool
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		case unicode.IsSpace(r):
		default:
			symbols = true
		}
	}
	classes := 0
	for _, present := range []bool{letters, digits, symbols} {
		if present {
			classes++
		}
	}
	if classes < minCharacterClasses {
		reasons = append(reasons, "must mix at least two of letters, digits and symbols")
	}

	lower := strings.ToLower(passphrase)
	for _, pattern := range passphraseDenylist {
		if strings.Contains(lower, pattern) {
			reasons = append(reasons, fmt.Sprintf("contains the common pattern %q", pattern))
		}
	}

	if hasRepeatedRun(runes, maxRepeatedRun+1) {
		reasons = append(reasons, "must not repeat a character three or more times in a row")
	}

	if len(runes) > 0 {
		if score := zxcvbn.PasswordStrength(passphrase, nil).Score; score < minStrengthScore {
			reasons = append(reasons, fmt.Sprintf("estimated strength %d/4 is below %d", score, minStrengthScore))
		}
	}

	if len(reasons) > 0 {
		return &WeakPassphraseError{Reasons: reasons}
	}
	return nil
}

func hasRepeatedRun(runes []rune, n int) bool {
	run := 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// SuggestPassphrase builds a passphrase that satisfies ValidatePassphrase
// from random BIP-39 English words, e.g. "orbit-lunar-canvas-drift-pepper-42!".
func SuggestPassphrase() (string, error) {
	wordList := bip39.GetWordList()

	for attempt := 0; attempt < suggestAttempts; attempt++ {
		parts := make([]string, 0, suggestedWords+1)
		for i := 0; i < suggestedWords; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(wordList))))
			if err != nil {
				return "", fmt.Errorf("failed to pick word: %w", err)
			}
			parts = append(parts, wordList[n.Int64()])
		}
		n, err := rand.Int(rand.Reader, big.NewInt(suggestDigitRange))
		if err != nil {
			return "", fmt.Errorf("failed to pick digits: %w", err)
		}
		parts = append(parts, fmt.Sprintf("%02d!", n.Int64()))

		candidate := strings.Join(parts, "-")
		if ValidatePassphrase(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not produce a passphrase meeting policy after %d attempts", suggestAttempts)
}

// ChangePassphrase re-seals the active private key and every archived key
// under newPassphrase.
//
// The old passphrase must open every record; nothing is written until all of
// them have been re-sealed. If a write fails, the records already replaced are
// restored from their previous bytes.
//
// ERRORS:
//   - *WeakPassphraseError when newPassphrase fails the policy
//   - ErrIdentityNotFound when no identity is stored
//   - ErrInvalidPassphraseOrCorruptKey when any record does not open
func (im *IdentityManager) ChangePassphrase(oldPassphrase, newPassphrase string) error {
	if err := ValidatePassphrase(newPassphrase); err != nil {
		return err
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	keys := []string{keyPrivate}
	archives, err := im.store.List(keyArchivePrefix)
	if err != nil {
		return fmt.Errorf("failed to list key archives: %w", err)
	}
	keys = append(keys, archives...)

	newPass := []byte(newPassphrase)
	defer memguard.WipeBytes(newPass)

	original := make(map[string][]byte, len(keys))
	resealed := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := im.store.Get(key)
		if err != nil {
			if errors.Is(err, persist.ErrNotFound) {
				if key == keyPrivate {
					return ErrIdentityNotFound
				}
				continue
			}
			return fmt.Errorf("failed to load %s: %w", key, err)
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return ErrInvalidPassphraseOrCorruptKey
		}
		priv, err := im.open(rec, oldPassphrase)
		if err != nil {
			return err
		}
		next, err := sealPrivateKey(priv, newPass, rec.CreatedAt)
		if err != nil {
			return err
		}
		nextData, err := marshalRecord(next)
		if err != nil {
			return err
		}
		original[key] = data
		resealed[key] = nextData
	}

	var written []string
	for _, key := range keys {
		data, ok := resealed[key]
		if !ok {
			continue
		}
		if err := im.store.Set(key, data); err != nil {
			for _, done := range written {
				if rbErr := im.store.Set(done, original[done]); rbErr != nil {
					im.log.WithError(rbErr).WithField("key", done).Error("failed to roll back passphrase change")
				}
			}
			return fmt.Errorf("failed to persist %s: %w", key, err)
		}
		written = append(written, key)
	}

	im.log.WithField("records", len(written)).Info("identity passphrase changed")
	return nil
}
