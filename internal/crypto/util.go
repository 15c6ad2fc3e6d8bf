package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/tryst/internal/misc"
)

var (
	ErrInvalidSalt       = errors.New("salt must be 16 bytes")
	ErrInvalidIterations = errors.New("iteration count below minimum")
	ErrInvalidNonce      = errors.New("nonce must be 12 bytes")
)

// DeriveKey stretches a passphrase into a 256-bit wrapping key with PBKDF2-HMAC-SHA256.
// It is a pure function of its inputs and only fails on invalid input lengths.
func DeriveKey(passphrase, salt []byte, iterations int) ([]byte, error) {
	if len(salt) != misc.SaltSize {
		return nil, ErrInvalidSalt
	}
	if iterations < misc.KDFIterations {
		return nil, fmt.Errorf("%w: %d < %d", ErrInvalidIterations, iterations, misc.KDFIterations)
	}
	return pbkdf2.Key(passphrase, salt, iterations, misc.KDFKeyLen, sha256.New), nil
}

// RandomBytes returns n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under an explicit 96-bit nonce
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidNonce
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open reverses Seal; any tag mismatch is reported as an authentication failure
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidNonce
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// EncryptOAEP encrypts data of any length under an RSA public key with OAEP(SHA-256).
// Input longer than one OAEP block is split and each block is encrypted independently;
// the output length is always a multiple of the modulus size.
func EncryptOAEP(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("public key is nil")
	}
	chunk := pub.Size() - 2*sha256.Size - 2
	if chunk <= 0 {
		return nil, errors.New("public key too small for OAEP")
	}
	out := make([]byte, 0, (len(data)/chunk+1)*pub.Size())
	for start := 0; ; start += chunk {
		end := min(start+chunk, len(data))
		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data[start:end], nil)
		if err != nil {
			return nil, fmt.Errorf("oaep encryption failed: %w", err)
		}
		out = append(out, block...)
		if end == len(data) {
			break
		}
	}
	return out, nil
}

// DecryptOAEP reverses EncryptOAEP
func DecryptOAEP(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("private key is nil")
	}
	size := priv.Size()
	if len(data) == 0 || len(data)%size != 0 {
		return nil, errors.New("ciphertext length is not a multiple of the key size")
	}
	var out []byte
	for start := 0; start < len(data); start += size {
		block, err := rsa.DecryptOAEP(sha256.New(), nil, priv, data[start:start+size], nil)
		if err != nil {
			return nil, fmt.Errorf("oaep decryption failed: %w", err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// EncryptWithPassphrase encrypts data using a passphrase with Argon2id + ChaCha20-Poly1305.
// Output layout: salt(16) | nonce(12) | ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt, err := RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer Wipe(key)

	nonce, err := RandomBytes(chacha20poly1305.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := Seal(key, nonce, data, salt)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPassphrase decrypts data produced by EncryptWithPassphrase
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < misc.SaltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:misc.SaltSize]
	nonce := encryptedData[misc.SaltSize : misc.SaltSize+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[misc.SaltSize+chacha20poly1305.NonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer Wipe(key)

	return Open(key, nonce, ciphertext, salt)
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Wipe zeroes b in place
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsWeakKey reports keys that are too short or carry visibly low entropy
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Should have reasonable variety (at least 16 different byte values)
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}
	return len(uniqueBytes) < 16
}
