package tryst

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/tryst/internal/misc"
)

// Profile signature fields embedded in a profile document
const (
	ProfileFieldSignature = "signature"
	ProfileFieldTimestamp = "signature_timestamp"
	ProfileFieldNonce     = "signature_nonce"
)

const (
	ProfileSignatureValidity = 24 * time.Hour
	ProfileResignInterval    = 7 * 24 * time.Hour
	ProfileFutureSkew        = 5 * time.Minute
)

// SignableProfile is the canonical form of a profile document: the document
// without its signature fields, encoded as JSON with sorted keys. The same
// value is used to sign and to verify so both sides agree on the bytes.
type SignableProfile struct {
	canonical []byte
}

// NewSignableProfile canonicalizes doc. The document is not modified.
func NewSignableProfile(doc map[string]any) (*SignableProfile, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", ErrInvalidProfile)
	}
	stripped := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case ProfileFieldSignature, ProfileFieldTimestamp, ProfileFieldNonce:
			continue
		}
		stripped[k] = v
	}
	// encoding/json writes map keys in sorted order at every level
	canonical, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return &SignableProfile{canonical: canonical}, nil
}

// Canonical returns a copy of the canonical bytes
func (sp *SignableProfile) Canonical() []byte {
	return append([]byte(nil), sp.canonical...)
}

func (sp *SignableProfile) signedBytes(timestamp, nonce string) []byte {
	out := make([]byte, 0, len(sp.canonical)+len(timestamp)+len(nonce)+2)
	out = append(out, sp.canonical...)
	out = append(out, '|')
	out = append(out, timestamp...)
	out = append(out, '|')
	out = append(out, nonce...)
	return out
}

// ProfileSignature binds a profile to its owner's key at a point in time
type ProfileSignature struct {
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
	Nonce     string    `json:"nonce"`
}

func formatProfileTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// NeedsResign reports whether the signature is older than the re-sign interval
func (ps *ProfileSignature) NeedsResign(now time.Time) bool {
	return now.Sub(ps.Timestamp) >= ProfileResignInterval
}

// SignProfile signs sp with the identity key at the current time
func SignProfile(sp *SignableProfile, priv *rsa.PrivateKey) (*ProfileSignature, error) {
	return SignProfileAt(sp, priv, time.Now())
}

// SignProfileAt signs sp as of now
func SignProfileAt(sp *SignableProfile, priv *rsa.PrivateKey, now time.Time) (*ProfileSignature, error) {
	if sp == nil || priv == nil {
		return nil, fmt.Errorf("%w: profile and key are required", ErrInvalidProfile)
	}
	ts := now.UTC().Truncate(time.Second)
	nonce := uuid.NewString()

	digest := sha256.Sum256(sp.signedBytes(formatProfileTime(ts), nonce))
	sig, err := rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: misc.PSSSaltLength})
	if err != nil {
		return nil, fmt.Errorf("failed to sign profile: %w", err)
	}
	return &ProfileSignature{
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: ts,
		Nonce:     nonce,
	}, nil
}

// VerifyProfile checks sig against sp and pub at the current time
func VerifyProfile(sp *SignableProfile, sig *ProfileSignature, pub *rsa.PublicKey) bool {
	return VerifyProfileAt(sp, sig, pub, time.Now())
}

// VerifyProfileAt reports whether sig is a valid signature by pub over sp that
// is no older than ProfileSignatureValidity and not more than ProfileFutureSkew
// ahead of now.
func VerifyProfileAt(sp *SignableProfile, sig *ProfileSignature, pub *rsa.PublicKey, now time.Time) bool {
	if sp == nil || sig == nil || pub == nil || sig.Nonce == "" {
		return false
	}
	age := now.Sub(sig.Timestamp)
	if age > ProfileSignatureValidity || age < -ProfileFutureSkew {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(sp.signedBytes(formatProfileTime(sig.Timestamp), sig.Nonce))
	return rsa.VerifyPSS(pub, stdcrypto.SHA256, digest[:], raw, &rsa.PSSOptions{SaltLength: misc.PSSSaltLength}) == nil
}

// AttachSignature returns a copy of doc carrying sig in its signature fields
func AttachSignature(doc map[string]any, sig *ProfileSignature) map[string]any {
	out := make(map[string]any, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	out[ProfileFieldSignature] = sig.Signature
	out[ProfileFieldTimestamp] = formatProfileTime(sig.Timestamp)
	out[ProfileFieldNonce] = sig.Nonce
	return out
}

// ExtractSignature reads the signature fields of doc
func ExtractSignature(doc map[string]any) (*ProfileSignature, error) {
	field := func(name string) (string, error) {
		v, ok := doc[name].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: missing %s", ErrInvalidProfile, name)
		}
		return v, nil
	}

	signature, err := field(ProfileFieldSignature)
	if err != nil {
		return nil, err
	}
	timestamp, err := field(ProfileFieldTimestamp)
	if err != nil {
		return nil, err
	}
	nonce, err := field(ProfileFieldNonce)
	if err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s", ErrInvalidProfile, ProfileFieldTimestamp)
	}
	return &ProfileSignature{Signature: signature, Timestamp: ts.UTC(), Nonce: nonce}, nil
}
