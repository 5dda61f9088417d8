package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// AESKeySize is the AES-256 key length in bytes.
	AESKeySize = 32
	// GCMNonceSize is the IV length prepended to every sealed payload.
	// Wire contract: a sealed payload is IV || GCM(plaintext, tag).
	GCMNonceSize = 12
)

// SealAES encrypts plainText with AES-256-GCM under rawKey. The returned
// slice is the 12-byte random IV followed by the ciphertext and tag, with
// no additional authenticated data.
func SealAES(plainText, rawKey []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, GCMNonceSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	return gcm.Seal(iv, iv, plainText, nil), nil
}

// OpenAES reverses SealAES: it splits the leading IV from cipherText and
// authenticates and decrypts the remainder.
func OpenAES(cipherText, rawKey []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	if len(cipherText) < GCMNonceSize {
		return nil, fmt.Errorf("ciphertext shorter than IV size")
	}
	iv, cipherText := cipherText[:GCMNonceSize], cipherText[GCMNonceSize:]

	plainText, err := gcm.Open(nil, iv, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
