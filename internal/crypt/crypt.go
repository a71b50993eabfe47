// Package crypt seals message bodies at rest with a process-wide key.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

// prefix marks values produced by Encrypt. Anything else is treated as a
// legacy plaintext body.
const prefix = "v1:"

// Service encrypts and decrypts message bodies with XChaCha20-Poly1305.
type Service struct {
	aead cipher.AEAD
	log  logrus.FieldLogger
}

// New creates a Service from a 32-byte key. The key is required; callers
// must not substitute a generated one, since that would make every
// previously stored body unreadable.
func New(key []byte, log logrus.FieldLogger) (*Service, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypt: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{aead: aead, log: log}, nil
}

// ParseKey decodes a base64 key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("crypt: parse key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypt: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key encoded as base64.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypt: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext. The result is "v1:" followed by the base64url
// encoding of nonce||ciphertext.
func (s *Service) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypt: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values that are not valid
// ciphertext under the current key are returned unchanged, and the fallback
// is logged.
func (s *Service) Decrypt(stored string) string {
	plain, err := s.open(stored)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"reason": err.Error(),
			"length": len(stored),
		}).Warn("crypt: decrypt fallback, returning stored value")
		return stored
	}
	return plain
}

// open is the strict form of Decrypt.
func (s *Service) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return "", fmt.Errorf("missing %q prefix", prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(stored[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("malformed encoding: %v", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("authentication failed")
	}
	return string(plain), nil
}
