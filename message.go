package tryst

import (
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"southwinds.dev/tryst/internal/crypto"
	"southwinds.dev/tryst/internal/metrics"
	"southwinds.dev/tryst/internal/misc"
)

const sessionKeySize = 32

// Decrypt outcome labels
const (
	outcomeOK          = "ok"
	outcomeUnverified  = "unverified"
	outcomeMalformed   = "malformed"
	outcomeMetadata    = "metadata"
	outcomeTimestamp   = "timestamp"
	outcomeExpired     = "expired"
	outcomeReplay      = "replay"
	outcomePayload     = "payload"
	outcomeRejected    = "rejected"
	outcomeRateLimited = "rate_limited"
)

// MessageMetadata travels RSA-encrypted inside the envelope. Times are Unix
// milliseconds.
type MessageMetadata struct {
	Version           int    `json:"version"`
	Timestamp         int64  `json:"timestamp"`
	SenderFingerprint string `json:"sender_fingerprint"`
	MessageID         string `json:"message_id"`
	ExpiresAt         int64  `json:"expires_at"`
	ReplyTo           string `json:"reply_to,omitempty"`
}

// SentAt returns Timestamp as a time
func (m MessageMetadata) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Expiry returns ExpiresAt as a time
func (m MessageMetadata) Expiry() time.Time {
	return time.UnixMilli(m.ExpiresAt)
}

func (m MessageMetadata) lifetime() time.Duration {
	return time.Duration(m.ExpiresAt-m.Timestamp) * time.Millisecond
}

func (m MessageMetadata) associatedData() []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", m.MessageID, m.Timestamp, m.SenderFingerprint))
}

func signable(m MessageMetadata, payload []byte) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s|%s",
		m.MessageID, m.Timestamp, m.SenderFingerprint, base64.StdEncoding.EncodeToString(payload)))
}

// VerificationStatus is the outcome of checking a sender signature
type VerificationStatus string

const (
	StatusVerified      VerificationStatus = "verified"
	StatusMissing       VerificationStatus = "missing"
	StatusInvalid       VerificationStatus = "invalid"
	StatusSenderUnknown VerificationStatus = "sender-unknown"
	StatusLookupFailed  VerificationStatus = "lookup-failed"
)

// EncryptOptions tunes a single message. Zero values use the cipher defaults.
type EncryptOptions struct {
	TTL     time.Duration
	ReplyTo string
}

// DecryptedMessage is a delivered message and its trust verdict
type DecryptedMessage struct {
	Plaintext []byte
	Metadata  MessageMetadata
	Verified  bool
	Status    VerificationStatus

	// RecipientFingerprint names the local key that opened the message. It
	// differs from the current key while a rotation is in transition.
	RecipientFingerprint string
}

// MessageCipher seals messages for peers and opens messages addressed to the
// keys held in its keyring.
type MessageCipher struct {
	keyring   *Keyring
	directory Directory
	replay    *ReplayStore
	limiter   *DecryptLimiter
	metrics   *metrics.Metrics
	options   Options
	clock     Clock
	log       *logrus.Entry
}

func NewMessageCipher(keyring *Keyring, directory Directory, replay *ReplayStore, limiter *DecryptLimiter, options Options, m *metrics.Metrics) *MessageCipher {
	options = options.withDefaults()
	if limiter == nil {
		limiter = NewDecryptLimiter(options.DecryptAttemptLimit, options.DecryptWindow, options.RateLimitDelay, options.Clock, options.Logger)
	}
	return &MessageCipher{
		keyring:   keyring,
		directory: directory,
		replay:    replay,
		limiter:   limiter,
		metrics:   m,
		options:   options,
		clock:     options.Clock,
		log:       options.Logger.WithField("component", "message"),
	}
}

// Encrypt seals plaintext for recipient and returns the armored text block.
//
// A fresh message id, session key and nonce are drawn per call. The payload is
// sealed with ChaCha20-Poly1305 bound to the message id, timestamp and sender;
// session key and metadata are RSA-OAEP encrypted to the recipient; the whole
// is signed with the sender's current key using RSA-PSS.
func (mc *MessageCipher) Encrypt(plaintext []byte, recipient *rsa.PublicKey, opts EncryptOptions) (string, error) {
	if recipient == nil {
		return "", fmt.Errorf("%w: recipient key is nil", ErrMalformedKeyMaterial)
	}
	sender := mc.keyring.Fingerprint()
	if sender == "" {
		return "", ErrSessionClosed
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = mc.options.MessageTTL
	}
	now := mc.clock.Now()
	meta := MessageMetadata{
		Version:           misc.EnvelopeVersion,
		Timestamp:         now.UnixMilli(),
		SenderFingerprint: sender,
		MessageID:         uuid.NewString(),
		ExpiresAt:         now.Add(ttl).UnixMilli(),
		ReplyTo:           opts.ReplyTo,
	}

	sessionKey, err := newSessionKey()
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(sessionKey)
	iv, err := crypto.RandomBytes(misc.NonceSize)
	if err != nil {
		return "", err
	}

	payload, err := crypto.Seal(sessionKey, iv, plaintext, meta.associatedData())
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	keyWrap, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap session key: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	encMeta, err := crypto.EncryptOAEP(recipient, metaJSON)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt metadata: %w", err)
	}

	var signature []byte
	err = mc.keyring.withCurrent(func(priv *rsa.PrivateKey) error {
		digest := sha256.Sum256(signable(meta, payload))
		signature, err = rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: misc.PSSSaltLength})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	env := &Envelope{
		Version:   misc.EnvelopeVersion,
		Metadata:  encMeta,
		KeyWrap:   keyWrap,
		IV:        iv,
		Payload:   payload,
		Signature: signature,
	}
	mc.metrics.ObserveEncrypt()
	mc.log.WithField("message_id", meta.MessageID).Debug("message sealed")
	return env.Marshal(mc.options.ProductName), nil
}

// Decrypt opens an armored block addressed to one of the keyring's keys.
//
// Checks run in a fixed order and stop at the first failure: attempt budget,
// envelope structure, metadata decryption, timestamps, replay, payload. Once
// the payload opens the message is recorded as seen, then the sender
// signature is checked against the key the Directory returns. Under
// SignaturePolicyRequired an unverified message yields ErrSignatureRejected;
// otherwise it is delivered with Verified false.
func (mc *MessageCipher) Decrypt(ctx context.Context, block string) (*DecryptedMessage, error) {
	if err := mc.limiter.Allow(ctx); err != nil {
		mc.metrics.ObserveDecrypt(outcomeRateLimited)
		return nil, err
	}

	env, err := ParseEnvelope(block, mc.options.ProductName)
	if err != nil {
		mc.metrics.ObserveDecrypt(outcomeMalformed)
		return nil, err
	}

	meta, priv, recipient, err := mc.openMetadata(env)
	if err != nil {
		mc.metrics.ObserveDecrypt(outcomeMetadata)
		return nil, err
	}
	log := mc.log.WithFields(logrus.Fields{"message_id": meta.MessageID, "sender": meta.SenderFingerprint})

	if err = mc.checkTimestamps(meta); err != nil {
		if errors.Is(err, ErrMessageExpired) {
			mc.metrics.ObserveDecrypt(outcomeExpired)
		} else {
			mc.metrics.ObserveDecrypt(outcomeTimestamp)
		}
		return nil, err
	}
	if retention := mc.options.Replay.Retention; retention > 0 && meta.lifetime() > retention {
		// the ledger forgets the message before it expires
		log.WithFields(logrus.Fields{"lifetime": meta.lifetime(), "retention": retention}).
			Warn("message lifetime exceeds replay retention")
	}

	seen, err := mc.replay.Has(meta.MessageID, meta.SenderFingerprint)
	if err != nil {
		return nil, err
	}
	if seen {
		log.Warn("replayed message rejected")
		mc.metrics.ObserveDecrypt(outcomeReplay)
		return nil, ErrReplayDetected
	}

	plaintext, err := mc.openPayload(env, meta, priv)
	if err != nil {
		log.WithError(err).Debug("payload open failed")
		mc.metrics.ObserveDecrypt(outcomePayload)
		return nil, ErrPayloadDecryptionFailed
	}

	err = mc.replay.Record(SeenMessage{
		MessageID:         meta.MessageID,
		SenderFingerprint: meta.SenderFingerprint,
		Timestamp:         meta.Timestamp,
		ExpiresAt:         meta.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	status := mc.verifySignature(ctx, env, meta)
	msg := &DecryptedMessage{
		Plaintext:            plaintext,
		Metadata:             *meta,
		Verified:             status == StatusVerified,
		Status:               status,
		RecipientFingerprint: recipient,
	}

	if !msg.Verified {
		log.WithField("status", status).Warn("sender signature not verified")
		if mc.options.SignaturePolicy == SignaturePolicyRequired {
			mc.metrics.ObserveDecrypt(outcomeRejected)
			return nil, fmt.Errorf("%w: %s", ErrSignatureRejected, status)
		}
		mc.metrics.ObserveDecrypt(outcomeUnverified)
		return msg, nil
	}
	mc.metrics.ObserveDecrypt(outcomeOK)
	return msg, nil
}

// openMetadata tries every keyring key, current first
func (mc *MessageCipher) openMetadata(env *Envelope) (*MessageMetadata, *rsa.PrivateKey, string, error) {
	var (
		meta      *MessageMetadata
		opened    *rsa.PrivateKey
		recipient string
	)
	err := mc.keyring.each(func(fingerprint string, priv *rsa.PrivateKey) bool {
		data, err := crypto.DecryptOAEP(priv, env.Metadata)
		if err != nil {
			return false
		}
		var m MessageMetadata
		if err = json.Unmarshal(data, &m); err != nil {
			return false
		}
		meta, opened, recipient = &m, priv, fingerprint
		return true
	})
	if err != nil {
		return nil, nil, "", err
	}
	if meta == nil || meta.MessageID == "" || meta.SenderFingerprint == "" {
		return nil, nil, "", ErrMetadataDecryptionFailed
	}
	return meta, opened, recipient, nil
}

func (mc *MessageCipher) checkTimestamps(meta *MessageMetadata) error {
	now := mc.clock.Now().UnixMilli()
	if meta.Timestamp > now+mc.options.ClockSkew.Milliseconds() {
		return fmt.Errorf("%w: timestamp is in the future", ErrInvalidTimestamp)
	}
	if meta.ExpiresAt <= meta.Timestamp {
		return fmt.Errorf("%w: expiry precedes timestamp", ErrInvalidTimestamp)
	}
	if now > meta.ExpiresAt {
		return ErrMessageExpired
	}
	return nil
}

func (mc *MessageCipher) openPayload(env *Envelope, meta *MessageMetadata, priv *rsa.PrivateKey) ([]byte, error) {
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, env.KeyWrap, nil)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sessionKey)
	if len(sessionKey) != sessionKeySize {
		return nil, fmt.Errorf("session key has %d bytes", len(sessionKey))
	}
	return crypto.Open(sessionKey, env.IV, env.Payload, meta.associatedData())
}

func (mc *MessageCipher) verifySignature(ctx context.Context, env *Envelope, meta *MessageMetadata) VerificationStatus {
	if len(env.Signature) == 0 {
		return StatusMissing
	}
	if mc.directory == nil {
		return StatusSenderUnknown
	}

	pub, err := mc.directory.LookupPublicKey(ctx, meta.SenderFingerprint)
	if err != nil {
		if errors.Is(err, ErrSenderUnknown) {
			return StatusSenderUnknown
		}
		mc.log.WithError(err).Debug("sender key lookup failed")
		return StatusLookupFailed
	}
	fingerprint, err := Fingerprint(pub)
	if err != nil || fingerprint != meta.SenderFingerprint {
		return StatusInvalid
	}

	digest := sha256.Sum256(signable(*meta, env.Payload))
	if err = rsa.VerifyPSS(pub, stdcrypto.SHA256, digest[:], env.Signature, &rsa.PSSOptions{SaltLength: misc.PSSSaltLength}); err != nil {
		return StatusInvalid
	}
	return StatusVerified
}

// newSessionKey draws a fresh payload key, redrawing the rare degenerate one
func newSessionKey() ([]byte, error) {
	for attempt := 0; attempt < 3; attempt++ {
		key, err := crypto.RandomBytes(sessionKeySize)
		if err != nil {
			return nil, err
		}
		if !crypto.IsWeakKey(key) {
			return key, nil
		}
		memguard.WipeBytes(key)
	}
	return nil, fmt.Errorf("failed to generate a session key")
}
