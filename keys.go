package tryst

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/tryst/internal/crypto"
	"southwinds.dev/tryst/internal/misc"
)

const (
	publicKeyPEMType = "PUBLIC KEY"
	kdfName          = "pbkdf2-sha256"
)

// EncryptedKeyRecord is the at-rest form of a private key: the PKCS#8 DER
// sealed with ChaCha20-Poly1305 under a PBKDF2 key derived from the passphrase.
// The fingerprint is bound as associated data, so editing it breaks the seal.
type EncryptedKeyRecord struct {
	Version     int       `json:"version"`
	KDF         string    `json:"kdf"`
	Iterations  int       `json:"iterations"`
	Salt        []byte    `json:"salt"`
	IV          []byte    `json:"iv"`
	WrappedKey  []byte    `json:"wrapped_key"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportPublicPEM encodes an RSA public key as a PKIX "PUBLIC KEY" PEM block
func ExportPublicPEM(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("%w: public key is nil", ErrMalformedKeyMaterial)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKeyMaterial, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der})), nil
}

// ImportPublicPEM is the inverse of ExportPublicPEM. Anything other than a
// single well-formed RSA "PUBLIC KEY" block yields ErrMalformedKeyMaterial.
func ImportPublicPEM(text string) (*rsa.PublicKey, error) {
	block, rest := pem.Decode([]byte(strings.TrimSpace(text)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrMalformedKeyMaterial)
	}
	if block.Type != publicKeyPEMType {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedKeyMaterial, block.Type)
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return nil, fmt.Errorf("%w: trailing data after PEM block", ErrMalformedKeyMaterial)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyMaterial, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKeyMaterial)
	}
	return pub, nil
}

// Fingerprint is the lowercase hex SHA-256 of the key's PKIX DER encoding
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("%w: public key is nil", ErrMalformedKeyMaterial)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKeyMaterial, err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

func generateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, misc.RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return priv, nil
}

// sealPrivateKey wraps priv under passphrase
func sealPrivateKey(priv *rsa.PrivateKey, passphrase []byte, createdAt time.Time) (*EncryptedKeyRecord, error) {
	fingerprint, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	defer memguard.WipeBytes(der)

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, err
	}
	iv, err := crypto.RandomBytes(misc.NonceSize)
	if err != nil {
		return nil, err
	}

	kek, err := crypto.DeriveKey(passphrase, salt, misc.KDFIterations)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)

	wrapped, err := crypto.Seal(kek, iv, der, []byte(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap private key: %w", err)
	}

	return &EncryptedKeyRecord{
		Version:     misc.KeyRecordVersion,
		KDF:         kdfName,
		Iterations:  misc.KDFIterations,
		Salt:        salt,
		IV:          iv,
		WrappedKey:  wrapped,
		Fingerprint: fingerprint,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

// openPrivateKey unwraps a record. The returned error is the specific cause;
// callers must surface it only as ErrInvalidPassphraseOrCorruptKey.
func openPrivateKey(rec *EncryptedKeyRecord, passphrase []byte) (*rsa.PrivateKey, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if rec.Version != misc.KeyRecordVersion || rec.KDF != kdfName {
		return nil, fmt.Errorf("unsupported record version %d kdf %q", rec.Version, rec.KDF)
	}

	kek, err := crypto.DeriveKey(passphrase, rec.Salt, rec.Iterations)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)

	der, err := crypto.Open(kek, rec.IV, rec.WrappedKey, []byte(rec.Fingerprint))
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(der)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("wrapped key is not RSA")
	}

	fingerprint, err := Fingerprint(&priv.PublicKey)
	if err != nil || fingerprint != rec.Fingerprint {
		return nil, fmt.Errorf("fingerprint mismatch")
	}
	return priv, nil
}

func marshalRecord(rec *EncryptedKeyRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key record: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (*EncryptedKeyRecord, error) {
	var rec EncryptedKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
