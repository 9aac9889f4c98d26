// Package secretbox seals credential bundles at rest with XChaCha20-Poly1305.
// Every Seal draws a fresh random 24-byte nonce and binds the ciphertext to its
// owner through the additional data, so a sealed blob cannot be moved to another account.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKeyLength   = errors.New("secretbox: key must be 32 bytes")
	ErrInvalidCiphertext  = errors.New("secretbox: invalid ciphertext encoding")
	ErrCiphertextTooShort = errors.New("secretbox: ciphertext too short")
	ErrDecryptionFailed   = errors.New("secretbox: authentication failed")
)

const hkdfInfo = "accountgate credential bundle v1"

type Box struct {
	key []byte
}

func New(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeyLength
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Box{key: k}, nil
}

// FromPassphrase derives a 32-byte key from an operator-supplied secret.
func FromPassphrase(passphrase, salt string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrInvalidKeyLength
	}
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}
	return &Box{key: key}, nil
}

func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext, returning base64(nonce || ciphertext || tag).
func (b *Box) Seal(plaintext, associated []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, plaintext, associated)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *Box) Open(sealed string, associated []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, associated)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// SealMap encodes a string map as JSON and seals it.
func (b *Box) SealMap(values map[string]string, associated []byte) (string, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return b.Seal(payload, associated)
}

func (b *Box) OpenMap(sealed string, associated []byte) (map[string]string, error) {
	plain, err := b.Open(sealed, associated)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("secretbox: decode bundle: %w", err)
	}
	return out, nil
}
