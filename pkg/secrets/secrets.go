// Package secrets encrypts credential material at rest.
package secrets

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a ciphertext cannot be verified with any key.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Box seals and opens secrets with fernet. The first key encrypts; every key
// is tried on decrypt so keys can be rotated.
// A nil *Box stores secrets in plaintext.
type Box struct {
	keys []*fernet.Key
}

// NewBox builds a Box from base64 encoded fernet keys.
func NewBox(encoded ...string) (*Box, error) {
	if len(encoded) == 0 {
		return nil, errors.New("secrets: at least one key is required")
	}
	keys, err := fernet.DecodeKeys(encoded...)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Box{keys: keys}, nil
}

// GenerateKey returns a new base64 encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// Encrypt seals plaintext.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), b.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if b == nil || ciphertext == "" {
		return ciphertext, nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, b.keys)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
