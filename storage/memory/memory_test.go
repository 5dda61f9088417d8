package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/message"
	"github.com/veilmsg/veil/storage"
	"github.com/veilmsg/veil/storage/memory"
)

func TestIdentities(t *testing.T) {
	s := memory.NewStore()

	id := storage.Identity{Username: "alice", PublicKey: "04ab", CreatedAt: time.Now()}
	require.NoError(t, s.CreateIdentity(id))

	err := s.CreateIdentity(id)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	found, err := s.FindIdentity("alice")
	require.NoError(t, err)
	assert.Equal(t, "04ab", found.PublicKey)

	_, err = s.FindIdentity("bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exists, err := s.IdentityExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.IdentityExists("bob")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNonceLifecycle(t *testing.T) {
	s := memory.NewStore()

	n := storage.Nonce{Nonce: "aabbcc", Username: "alice", CreatedAt: time.Now()}
	require.NoError(t, s.CreateNonce(n))
	assert.ErrorIs(t, s.CreateNonce(n), storage.ErrDuplicate)

	found, err := s.FindNonce("aabbcc")
	require.NoError(t, err)
	assert.Equal(t, "alice", found.Username)

	require.NoError(t, s.ConsumeNonce("aabbcc"))
	// Consumed exactly once.
	assert.ErrorIs(t, s.ConsumeNonce("aabbcc"), storage.ErrNotFound)
	_, err = s.FindNonce("aabbcc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNonceExpiry(t *testing.T) {
	s := memory.NewStore()

	stale := storage.Nonce{Nonce: "old", CreatedAt: time.Now().Add(-storage.NonceTTL - time.Second)}
	require.NoError(t, s.CreateNonce(stale))

	_, err := s.FindNonce("old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.ConsumeNonce("old"), storage.ErrNotFound)

	// An expired nonce no longer blocks re-issuing the same value.
	require.NoError(t, s.CreateNonce(storage.Nonce{Nonce: "old", CreatedAt: time.Now()}))

	fresh := storage.Nonce{Nonce: "fresh", CreatedAt: time.Now()}
	expired := storage.Nonce{Nonce: "gone", CreatedAt: time.Now().Add(-2 * storage.NonceTTL)}
	require.NoError(t, s.CreateNonce(fresh))
	require.NoError(t, s.CreateNonce(expired))

	removed, err := s.SweepExpiredNonces()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = s.FindNonce("fresh")
	assert.NoError(t, err)
}

func TestMessagesByRoom(t *testing.T) {
	s := memory.NewStore()
	base := time.Now().UTC().Truncate(time.Millisecond)

	// Insert out of order; queries must come back timestamp-ordered.
	for _, offset := range []int{2, 0, 1} {
		_, err := s.InsertMessage(&message.Message{
			Sender:           "alice",
			Receiver:         "bob",
			RoomID:           "alice-bob",
			EncryptedMessage: "payload",
			Timestamp:        base.Add(time.Duration(offset) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := s.MessagesByRoom("alice-bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i := range msgs {
		assert.NotEmpty(t, msgs[i].ID, "insert must assign an id")
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), msgs[i].Timestamp)
	}

	limited, err := s.MessagesByRoom("alice-bob", 2, 1)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, base.Add(time.Second), limited[0].Timestamp)

	empty, err := s.MessagesByRoom("carol-dave", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChatrooms(t *testing.T) {
	s := memory.NewStore()

	room, err := s.FindOrCreateRoom("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice-bob", room.ID)
	assert.Equal(t, [2]string{"alice", "bob"}, room.Participants)

	// Same pair in either order resolves to the same room.
	again, err := s.FindOrCreateRoom("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)
	assert.Equal(t, room.CreatedAt, again.CreatedAt)

	is, err := s.IsParticipant("alice-bob", "alice")
	require.NoError(t, err)
	assert.True(t, is)
	is, err = s.IsParticipant("alice-bob", "carol")
	require.NoError(t, err)
	assert.False(t, is)
	is, err = s.IsParticipant("no-room", "alice")
	require.NoError(t, err)
	assert.False(t, is)

	readAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.MarkRead("alice-bob", "alice", readAt))
	assert.ErrorIs(t, s.MarkRead("alice-bob", "carol", readAt), storage.ErrNotFound)
	assert.ErrorIs(t, s.MarkRead("missing-room", "alice", readAt), storage.ErrNotFound)

	rooms, err := s.RoomsFor("alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, readAt, rooms[0].ParticipantsRead["alice"])

	rooms, err = s.RoomsFor("carol")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestInsertMessageTouchesRoom(t *testing.T) {
	s := memory.NewStore()

	room, err := s.FindOrCreateRoom("alice", "bob")
	require.NoError(t, err)

	at := room.UpdatedAt.Add(time.Minute)
	_, err = s.InsertMessage(&message.Message{
		Sender: "alice", Receiver: "bob", RoomID: room.ID,
		EncryptedMessage: "payload", Timestamp: at,
	})
	require.NoError(t, err)

	rooms, err := s.RoomsFor("bob")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.True(t, at.Equal(rooms[0].UpdatedAt))

	// Reading does not advance the room's activity.
	require.NoError(t, s.MarkRead(room.ID, "bob", at.Add(time.Minute)))
	rooms, err = s.RoomsFor("bob")
	require.NoError(t, err)
	assert.True(t, at.Equal(rooms[0].UpdatedAt))
}
