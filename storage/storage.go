// Package storage provides the persistence abstraction for identities,
// login nonces, messages, and chatrooms.
package storage

import (
	"errors"
	"time"

	"github.com/veilmsg/veil/message"
)

var (
	// ErrNotFound is returned when a record does not exist (or, for
	// nonces, has expired or is already used).
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("storage: duplicate record")
)

// NonceTTL is how long an issued login nonce stays valid. Expiry applies
// whether or not the nonce was ever presented.
const NonceTTL = 5 * time.Minute

// Identity is a registered user: the username and the uncompressed hex
// public key presented at registration. Immutable once created.
type Identity struct {
	Username  string    `json:"username"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Nonce is a single-use login challenge.
type Nonce struct {
	Nonce     string    `json:"nonce"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the nonce is past its TTL at the given instant.
func (n *Nonce) Expired(now time.Time) bool {
	return now.Sub(n.CreatedAt) > NonceTTL
}

// Chatroom is a two-party conversation. The ID is content-addressed by the
// participant pair (message.RoomID), so it is stable across both views.
type Chatroom struct {
	ID               string               `json:"id"`
	Participants     [2]string            `json:"participants"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	ParticipantsRead map[string]time.Time `json:"participants_read"`
}

// HasParticipant reports whether username belongs to the room.
func (c *Chatroom) HasParticipant(username string) bool {
	return c.Participants[0] == username || c.Participants[1] == username
}

// IdentityStore persists registered user identities.
type IdentityStore interface {
	CreateIdentity(id Identity) error
	FindIdentity(username string) (*Identity, error)
	IdentityExists(username string) (bool, error)
}

// NonceStore persists login challenges. Implementations enforce the TTL:
// an expired nonce behaves as if it never existed.
type NonceStore interface {
	// CreateNonce stores a fresh nonce. Returns ErrDuplicate if an
	// unexpired nonce with the same value already exists.
	CreateNonce(n Nonce) error
	// FindNonce returns the unexpired, unused nonce record.
	FindNonce(nonce string) (*Nonce, error)
	// ConsumeNonce atomically removes the nonce. Exactly one of any number
	// of concurrent calls for the same value succeeds; the rest get
	// ErrNotFound.
	ConsumeNonce(nonce string) error
	// SweepExpiredNonces garbage-collects abandoned nonces and returns
	// how many were removed.
	SweepExpiredNonces() (int, error)
}

// MessageStore durably records delivered messages.
type MessageStore interface {
	// InsertMessage persists m, assigning an ID if empty, and returns the
	// stored record.
	InsertMessage(m *message.Message) (*message.Message, error)
	// MessagesByRoom returns messages for the room ordered by timestamp
	// (oldest first), honoring limit and skip. A limit of 0 means no limit.
	MessagesByRoom(roomID string, limit, skip int) ([]message.Message, error)
}

// ChatroomStore tracks two-party rooms and per-participant read marks.
type ChatroomStore interface {
	// FindOrCreateRoom returns the room for the pair, creating it with
	// both read marks set to now if absent.
	FindOrCreateRoom(userA, userB string) (*Chatroom, error)
	// RoomsFor lists the rooms the user participates in.
	RoomsFor(username string) ([]Chatroom, error)
	// IsParticipant reports whether the user belongs to the room.
	// Unknown rooms are nobody's.
	IsParticipant(roomID, username string) (bool, error)
	// MarkRead records the user's last-read timestamp for the room.
	MarkRead(roomID, username string, at time.Time) error
}

// Store is the full persistence surface the server wires together.
type Store interface {
	IdentityStore
	NonceStore
	MessageStore
	ChatroomStore
}
