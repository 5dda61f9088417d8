// Package message defines the encrypted message record and the codec that
// composes, opens, and verifies it.
package message

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// timestampLayout is the canonical timestamp string hashed into every
// message: ISO-8601 UTC with millisecond precision. The hash covers the
// formatted string, so both peers must format identically.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one encrypted, signed, hashed direct message. Immutable once
// composed; the server persists it verbatim and fills ID.
type Message struct {
	ID               string    `json:"id,omitempty"`
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	RoomID           string    `json:"room_id"`
	EncryptedMessage string    `json:"encrypted_message"`
	MessageHash      string    `json:"message_hash"`
	Signature        string    `json:"signature"`
	Timestamp        time.Time `json:"timestamp"`
}

// CanonicalTimestamp returns the timestamp string covered by the message
// hash.
func (m *Message) CanonicalTimestamp() string {
	return m.Timestamp.UTC().Format(timestampLayout)
}

// RoomID derives the deterministic identifier for a two-party conversation:
// the participant usernames sorted lexicographically and joined. Symmetric
// in its arguments, so both participants address the same room.
func RoomID(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "-" + userB
}

// RoomParticipants splits a room id back into its two usernames. Returns
// false for ids that are not a sorted join of two names.
func RoomParticipants(roomID string) (string, string, bool) {
	a, b, ok := strings.Cut(roomID, "-")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// hashMessage computes the wire digest over plaintext|timestamp|sender|
// receiver. The digest algorithm is SHA-256 on both the hashing and signing
// paths; this is the wire contract and both peers must agree.
func hashMessage(plaintext, timestamp, sender, receiver string) string {
	sum := sha256.Sum256([]byte(plaintext + "|" + timestamp + "|" + sender + "|" + receiver))
	return hex.EncodeToString(sum[:])
}
