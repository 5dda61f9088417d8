package keys

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	a, err := Derive("hunter2", "alice")
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	b, err := Derive("hunter2", "alice")
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if a.PublicKeyHex() != b.PublicKeyHex() {
		t.Error("same inputs produced different public keys")
	}

	c, _ := Derive("hunter2", "bob")
	if a.PublicKeyHex() == c.PublicKeyHex() {
		t.Error("different usernames produced the same public key")
	}
	d, _ := Derive("hunter3", "alice")
	if a.PublicKeyHex() == d.PublicKeyHex() {
		t.Error("different passwords produced the same public key")
	}
}

func TestDeriveEmptyPassword(t *testing.T) {
	// An empty password must still derive a usable keypair; validation is
	// the registration flow's job.
	km, err := Derive("", "alice")
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if !strings.HasPrefix(km.PublicKeyHex(), "04") {
		t.Errorf("expected uncompressed point, got %s...", km.PublicKeyHex()[:4])
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	km, _ := Derive("hunter2", "alice")
	pub := km.PublicKeyHex()
	// Uncompressed secp256k1 point: 0x04 prefix, two 32-byte coordinates.
	if len(pub) != 130 {
		t.Errorf("expected 130 hex chars, got %d", len(pub))
	}
	if !strings.HasPrefix(pub, "04") {
		t.Errorf("expected 04 prefix, got %s", pub[:2])
	}
	if _, err := ParsePublicKeyHex(pub); err != nil {
		t.Errorf("ParsePublicKeyHex rejected own output: %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	km, _ := Derive("hunter2", "alice")
	digest := sha256.Sum256([]byte("challenge"))

	sig, err := km.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig) != SignatureHexLen {
		t.Fatalf("expected %d hex chars, got %d", SignatureHexLen, len(sig))
	}

	if !VerifySignature(km.PublicKeyHex(), sig, digest[:]) {
		t.Error("valid signature rejected")
	}

	t.Run("WrongDigest", func(t *testing.T) {
		other := sha256.Sum256([]byte("other"))
		if VerifySignature(km.PublicKeyHex(), sig, other[:]) {
			t.Error("signature accepted for wrong digest")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := Derive("hunter2", "bob")
		if VerifySignature(other.PublicKeyHex(), sig, digest[:]) {
			t.Error("signature accepted for wrong key")
		}
	})

	t.Run("TamperedSignature", func(t *testing.T) {
		tampered := []byte(sig)
		if tampered[0] == 'f' {
			tampered[0] = '0'
		} else {
			tampered[0] = 'f'
		}
		if VerifySignature(km.PublicKeyHex(), string(tampered), digest[:]) {
			t.Error("tampered signature accepted")
		}
	})

	t.Run("BadLength", func(t *testing.T) {
		if VerifySignature(km.PublicKeyHex(), sig[:126], digest[:]) {
			t.Error("short signature accepted")
		}
		if VerifySignature(km.PublicKeyHex(), sig+"00", digest[:]) {
			t.Error("long signature accepted")
		}
	})
}

func TestSignRejectsBadDigestLen(t *testing.T) {
	km, _ := Derive("hunter2", "alice")
	if _, err := km.Sign([]byte("not a digest")); err == nil {
		t.Error("expected error for non-32-byte digest")
	}
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice, _ := Derive("password-a", "alice")
	bob, _ := Derive("password-b", "bob")

	ab, err := alice.SharedSecret(bob.PublicKeyHex())
	if err != nil {
		t.Fatalf("alice SharedSecret failed: %v", err)
	}
	ba, err := bob.SharedSecret(alice.PublicKeyHex())
	if err != nil {
		t.Fatalf("bob SharedSecret failed: %v", err)
	}

	if len(ab) != 32 {
		t.Errorf("expected 32-byte secret, got %d", len(ab))
	}
	if !bytes.Equal(ab, ba) {
		t.Error("ECDH secrets differ between the two directions")
	}

	carol, _ := Derive("password-c", "carol")
	ac, _ := alice.SharedSecret(carol.PublicKeyHex())
	if bytes.Equal(ab, ac) {
		t.Error("secrets for different counterparties collide")
	}
}

func TestDestroy(t *testing.T) {
	km, _ := Derive("hunter2", "alice")
	km.Destroy()

	digest := sha256.Sum256([]byte("x"))
	if _, err := km.Sign(digest[:]); err == nil {
		t.Error("Sign succeeded after Destroy")
	}
}
