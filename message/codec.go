package message

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/veilmsg/veil/internal/util"
	"github.com/veilmsg/veil/keys"
	"github.com/veilmsg/veil/secret"
)

var (
	// ErrDecryptionFailed is returned when a payload cannot be opened:
	// malformed base64, truncated IV, or GCM tag mismatch. The ciphertext
	// will not change, so callers must not retry.
	ErrDecryptionFailed = errors.New("message: decryption failed")
	// ErrHashMismatch is returned by Verify when the recomputed digest
	// differs from the recorded one.
	ErrHashMismatch = errors.New("message: hash mismatch")
	// ErrInvalidSignature is returned by Verify when the digest matches
	// but the ECDSA signature does not check out.
	ErrInvalidSignature = errors.New("message: invalid signature")
)

// Codec composes and opens encrypted messages for one authenticated user.
// It owns no state beyond references to the user's key material and
// shared-secret session.
type Codec struct {
	km      *keys.KeyMaterial
	session *secret.Session
	now     func() time.Time
}

// NewCodec creates a codec bound to the given identity and session.
func NewCodec(km *keys.KeyMaterial, session *secret.Session) *Codec {
	return &Codec{km: km, session: session, now: time.Now}
}

// Compose builds an immutable encrypted message: it timestamps the content,
// hashes plaintext|timestamp|sender|receiver, signs the hash, and seals the
// plaintext with AES-256-GCM under a key derived from the ECDH shared
// secret with the receiver.
func (c *Codec) Compose(ctx context.Context, plaintext, sender, receiver, roomID string) (*Message, error) {
	// Millisecond precision: the canonical timestamp string is part of the
	// hashed content and must survive serialization byte-identically.
	ts := c.now().UTC().Truncate(time.Millisecond)

	m := &Message{
		Sender:    sender,
		Receiver:  receiver,
		RoomID:    roomID,
		Timestamp: ts,
	}
	m.MessageHash = hashMessage(plaintext, m.CanonicalTimestamp(), sender, receiver)

	var err error
	m.Signature, err = c.km.Sign(SigningDigest(m.MessageHash))
	if err != nil {
		return nil, fmt.Errorf("message: signing: %w", err)
	}

	key, err := c.aeadKey(ctx, receiver)
	if err != nil {
		return nil, err
	}
	sealed, err := util.SealAES([]byte(plaintext), key)
	if err != nil {
		return nil, fmt.Errorf("message: sealing: %w", err)
	}
	m.EncryptedMessage = base64.StdEncoding.EncodeToString(sealed)

	return m, nil
}

// Open decrypts a message using the shared secret with the counterparty.
// Every malformation reports as ErrDecryptionFailed; no partial plaintext
// is ever returned.
func (c *Codec) Open(ctx context.Context, m *Message, counterparty string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(m.EncryptedMessage)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	key, err := c.aeadKey(ctx, counterparty)
	if err != nil {
		return "", err
	}
	plaintext, err := util.OpenAES(raw, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// aeadKey derives the AES-256 key for a counterparty: SHA-256 of the ECDH
// shared secret.
func (c *Codec) aeadKey(ctx context.Context, counterparty string) ([]byte, error) {
	shared, err := c.session.SharedSecret(ctx, counterparty)
	if err != nil {
		return nil, err
	}
	key := sha256.Sum256(shared)
	return key[:], nil
}

// Verify checks a received message's integrity against its decrypted
// plaintext: first the recomputed digest (constant-time compare, since the
// recorded hash is attacker-supplied), then the ECDSA signature over the
// hash string's signing digest.
// The two failures are reported distinctly so callers can surface accurate
// diagnostics, though the user-facing trust state collapses to a single
// unverified indicator either way.
func Verify(m *Message, plaintext, senderPublicKeyHex string) error {
	expected := hashMessage(plaintext, m.CanonicalTimestamp(), m.Sender, m.Receiver)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(m.MessageHash)) != 1 {
		return ErrHashMismatch
	}

	if !keys.VerifySignature(senderPublicKeyHex, m.Signature, SigningDigest(m.MessageHash)) {
		return ErrInvalidSignature
	}
	return nil
}

// SigningDigest is what the sender signs and the receiver verifies for a
// message: SHA-256 over the hex hash string bytes, the same shape the login
// challenge uses for its nonce.
func SigningDigest(messageHash string) []byte {
	sum := sha256.Sum256([]byte(messageHash))
	return sum[:]
}
