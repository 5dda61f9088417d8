package util

import (
	"bytes"
	"testing"
)

func TestSealOpenAES(t *testing.T) {
	key, _ := RandomBytes(AESKeySize)
	plainText := []byte("hello world")

	t.Run("RoundTrip", func(t *testing.T) {
		cipherText, err := SealAES(plainText, key)
		if err != nil {
			t.Fatalf("SealAES failed: %v", err)
		}
		if len(cipherText) <= GCMNonceSize {
			t.Fatalf("ciphertext too short: %d", len(cipherText))
		}

		decrypted, err := OpenAES(cipherText, key)
		if err != nil {
			t.Fatalf("OpenAES failed: %v", err)
		}
		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := SealAES(plainText, key)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := OpenAES(cipherText, key)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("TamperIV", func(t *testing.T) {
		cipherText, _ := SealAES(plainText, key)
		cipherText[0] ^= 0x01
		_, err := OpenAES(cipherText, key)
		if err == nil {
			t.Error("expected error with tampered IV, got nil")
		}
	})

	t.Run("TruncatedPayload", func(t *testing.T) {
		_, err := OpenAES([]byte("short"), key)
		if err == nil {
			t.Error("expected error with truncated payload, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := SealAES(plainText, []byte("too short"))
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("expected 32 bytes, got %d and %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two random draws returned identical bytes")
	}
}
