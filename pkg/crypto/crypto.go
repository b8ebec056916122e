// Package crypto seals OAuth tokens at rest with authenticated encryption.
//
// The key is derived from a process-wide secret via PBKDF2-HMAC-SHA256 with a
// deterministic salt, so sealed values survive process restarts. Sealed values
// carry a format signature so legacy plaintext rows can be told apart during
// migration.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations for PBKDF2 key derivation.
	Iterations = 100_000

	keyLen = 32
)

// magic is the format signature prepended to every sealed value.
var magic = []byte("qv1\x00")

// salt is deterministic so the derived key is stable across restarts.
// The secret itself is the only confidential input.
var salt = []byte("quiver-token-sealer-v1")

// Sealer encrypts and decrypts opaque token strings.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256-GCM key from the given secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret is required")
	}

	key := pbkdf2.Key([]byte(secret), salt, Iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Encrypt seals a plaintext token. The result is base64 text safe for a
// TEXT column: base64(magic || nonce || ciphertext).
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), magic)

	buf := make([]byte, 0, len(magic)+len(nonce)+len(sealed))
	buf = append(buf, magic...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens a sealed token produced by Encrypt.
func (s *Sealer) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("not a sealed token: %w", err)
	}
	if !bytes.HasPrefix(raw, magic) {
		return "", fmt.Errorf("not a sealed token: missing signature")
	}

	raw = raw[len(magic):]
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("sealed token too short")
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed token: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the sealed-token format
// signature. Legacy plaintext tokens return false.
func IsEncrypted(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(raw, magic)
}
