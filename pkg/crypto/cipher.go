// Package crypto seals short secrets, such as branch passwords, that must be
// recoverable by the serving tier.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const sealVersion byte = 1

// ErrMalformed indicates sealed data was truncated or from an unknown version.
var ErrMalformed = errors.New("crypto: malformed sealed value")

func aead(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-GCM under a key derived from secret. The
// output is a version byte, the nonce, then the ciphertext.
func Seal(secret, plaintext string) ([]byte, error) {
	gcm, err := aead(secret)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return gcm.Seal(out, out[1:], []byte(plaintext), []byte{sealVersion}), nil
}

// Open reverses Seal.
func Open(secret string, sealed []byte) (string, error) {
	gcm, err := aead(secret)
	if err != nil {
		return "", err
	}
	if len(sealed) < 1+gcm.NonceSize() || sealed[0] != sealVersion {
		return "", ErrMalformed
	}
	nonce := sealed[1 : 1+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, sealed[1+gcm.NonceSize():], sealed[:1])
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}
