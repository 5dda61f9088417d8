// Package keys derives and holds a user's identity keypair.
//
// The keypair is deterministic: PBKDF2-SHA256 stretches the password with the
// username as salt, and the 256-bit output is interpreted as a secp256k1
// scalar. The same (password, username) pair always yields the same keys, so
// a user can log in from anywhere without any server-side key escrow. The
// trade-off is that keys cannot rotate without a password change.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations is the PBKDF2 iteration count. Part of the key
	// derivation contract: changing it changes every derived keypair.
	kdfIterations = 600_000
	seedLen       = 32

	// SignatureHexLen is the length of an encoded signature: 64 hex chars
	// of r followed by 64 hex chars of s, both fixed width.
	SignatureHexLen = 128
)

// ErrDestroyed is returned when key material is used after Destroy.
var ErrDestroyed = errors.New("keys: key material destroyed")

// KeyMaterial is a user's identity keypair. The private scalar lives in a
// memguard enclave and only exists in plaintext for the duration of a single
// operation. Call Destroy on logout.
type KeyMaterial struct {
	seed         *memguard.Enclave
	publicKeyHex string
}

// Derive deterministically derives identity key material from a password and
// username. An empty password is not rejected here; input validation belongs
// to the registration flow.
func Derive(password, username string) (*KeyMaterial, error) {
	seed := pbkdf2.Key([]byte(password), []byte(username), kdfIterations, seedLen, sha256.New)

	priv := secp256k1.PrivKeyFromBytes(seed)
	pub := priv.PubKey().SerializeUncompressed()
	priv.Zero()

	// NewEnclave wipes the seed slice after sealing it.
	return &KeyMaterial{
		seed:         memguard.NewEnclave(seed),
		publicKeyHex: hex.EncodeToString(pub),
	}, nil
}

// PublicKeyHex returns the uncompressed public point as lowercase hex.
func (k *KeyMaterial) PublicKeyHex() string {
	return k.publicKeyHex
}

// Sign produces an ECDSA signature over a 32-byte digest, encoded as
// fixed-width r||s hex.
func (k *KeyMaterial) Sign(digest []byte) (string, error) {
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("keys: digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	var sigHex string
	err := k.withPrivateKey(func(priv *secp256k1.PrivateKey) error {
		// Compact signatures carry a recovery byte followed by the
		// 32-byte padded R and S values.
		compact := signCompact(priv, digest)
		sigHex = hex.EncodeToString(compact[1:])
		return nil
	})
	if err != nil {
		return "", err
	}
	return sigHex, nil
}

// SharedSecret computes the ECDH shared secret with a counterparty's
// uncompressed hex public key: the big-endian 32-byte x-coordinate of the
// shared point. Both parties compute the identical value independently.
func (k *KeyMaterial) SharedSecret(counterpartyPublicKeyHex string) ([]byte, error) {
	pub, err := ParsePublicKeyHex(counterpartyPublicKeyHex)
	if err != nil {
		return nil, err
	}
	var secret []byte
	err = k.withPrivateKey(func(priv *secp256k1.PrivateKey) error {
		secret = secp256k1.GenerateSharedSecret(priv, pub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// Destroy discards the sealed private scalar. The KeyMaterial must not be
// reused afterwards.
func (k *KeyMaterial) Destroy() {
	k.seed = nil
	k.publicKeyHex = ""
}

func (k *KeyMaterial) withPrivateKey(fn func(*secp256k1.PrivateKey) error) error {
	if k == nil || k.seed == nil {
		return ErrDestroyed
	}
	buf, err := k.seed.Open()
	if err != nil {
		return fmt.Errorf("keys: opening enclave: %w", err)
	}
	defer buf.Destroy()

	priv := secp256k1.PrivKeyFromBytes(buf.Bytes())
	defer priv.Zero()

	return fn(priv)
}

// ParsePublicKeyHex parses an uncompressed hex-encoded secp256k1 point.
func ParsePublicKeyHex(publicKeyHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid public key: %w", err)
	}
	return pub, nil
}
