// Package memory provides a thread-safe in-memory implementation of
// storage.Store. Suitable for testing, demos, and single-process use.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilmsg/veil/message"
	"github.com/veilmsg/veil/storage"
)

// Store is a mutex-guarded in-memory storage.Store.
type Store struct {
	mu         sync.Mutex
	identities map[string]storage.Identity
	nonces     map[string]storage.Nonce
	messages   map[string][]message.Message // room id -> timestamp-ordered
	rooms      map[string]*storage.Chatroom
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		identities: make(map[string]storage.Identity),
		nonces:     make(map[string]storage.Nonce),
		messages:   make(map[string][]message.Message),
		rooms:      make(map[string]*storage.Chatroom),
	}
}

func (s *Store) CreateIdentity(id storage.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.Username]; ok {
		return storage.ErrDuplicate
	}
	s.identities[id.Username] = id
	return nil
}

func (s *Store) FindIdentity(username string) (*storage.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := id
	return &out, nil
}

func (s *Store) IdentityExists(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[username]
	return ok, nil
}

func (s *Store) CreateNonce(n storage.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.nonces[n.Nonce]; ok && !existing.Expired(time.Now()) {
		return storage.ErrDuplicate
	}
	s.nonces[n.Nonce] = n
	return nil
}

func (s *Store) FindNonce(nonce string) (*storage.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[nonce]
	if !ok || n.Expired(time.Now()) {
		return nil, storage.ErrNotFound
	}
	out := n
	return &out, nil
}

func (s *Store) ConsumeNonce(nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[nonce]
	if !ok || n.Expired(time.Now()) {
		return storage.ErrNotFound
	}
	delete(s.nonces, nonce)
	return nil
}

func (s *Store) SweepExpiredNonces() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, n := range s.nonces {
		if n.Expired(now) {
			delete(s.nonces, k)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) InsertMessage(m *message.Message) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *m
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	msgs := append(s.messages[stored.RoomID], stored)
	// Keep the room slice timestamp-ordered; arrivals are usually already
	// in order so this is cheap.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	s.messages[stored.RoomID] = msgs
	// New traffic is what flips the room unread for the other side.
	if room, ok := s.rooms[stored.RoomID]; ok && stored.Timestamp.After(room.UpdatedAt) {
		room.UpdatedAt = stored.Timestamp
	}
	out := stored
	return &out, nil
}

func (s *Store) MessagesByRoom(roomID string, limit, skip int) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	if skip >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[skip:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return append([]message.Message(nil), msgs...), nil
}

func (s *Store) FindOrCreateRoom(userA, userB string) (*storage.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := message.RoomID(userA, userB)
	if room, ok := s.rooms[roomID]; ok {
		out := cloneRoom(room)
		return out, nil
	}
	if userA > userB {
		userA, userB = userB, userA
	}
	now := time.Now().UTC()
	room := &storage.Chatroom{
		ID:           roomID,
		Participants: [2]string{userA, userB},
		CreatedAt:    now,
		UpdatedAt:    now,
		ParticipantsRead: map[string]time.Time{
			userA: now,
			userB: now,
		},
	}
	s.rooms[roomID] = room
	return cloneRoom(room), nil
}

func (s *Store) RoomsFor(username string) ([]storage.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Chatroom
	for _, room := range s.rooms {
		if room.HasParticipant(username) {
			out = append(out, *cloneRoom(room))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) IsParticipant(roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	return room.HasParticipant(username), nil
}

func (s *Store) MarkRead(roomID, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return storage.ErrNotFound
	}
	if !room.HasParticipant(username) {
		return storage.ErrNotFound
	}
	room.ParticipantsRead[username] = at
	return nil
}

func cloneRoom(room *storage.Chatroom) *storage.Chatroom {
	out := *room
	out.ParticipantsRead = make(map[string]time.Time, len(room.ParticipantsRead))
	for k, v := range room.ParticipantsRead {
		out.ParticipantsRead[k] = v
	}
	return &out
}
