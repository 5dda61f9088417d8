// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/veilmsg/veil/message"
	"github.com/veilmsg/veil/storage"
)

var (
	bucketIdentities = []byte("identities")
	bucketNonces     = []byte("nonces")
	bucketMessages   = []byte("messages")
	bucketChatrooms  = []byte("chatrooms")
)

// messageKeyLayout is a fixed-width UTC timestamp format so that byte-wise
// key order inside a room bucket is timestamp order.
const messageKeyLayout = "20060102150405.000000000"

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketIdentities, bucketNonces, bucketMessages, bucketChatrooms} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateIdentity(id storage.Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		if b.Get([]byte(id.Username)) != nil {
			return fmt.Errorf("%s: %w", id.Username, storage.ErrDuplicate)
		}
		data, err := json.Marshal(id)
		if err != nil {
			return err
		}
		return b.Put([]byte(id.Username), data)
	})
}

func (s *Store) FindIdentity(username string) (*storage.Identity, error) {
	var id storage.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIdentities).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("%s: %w", username, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &id)
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Store) IdentityExists(username string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketIdentities).Get([]byte(username)) != nil
		return nil
	})
	return exists, err
}

func (s *Store) CreateNonce(n storage.Nonce) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		if data := b.Get([]byte(n.Nonce)); data != nil {
			var existing storage.Nonce
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if !existing.Expired(time.Now()) {
				return storage.ErrDuplicate
			}
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put([]byte(n.Nonce), data)
	})
}

func (s *Store) FindNonce(nonce string) (*storage.Nonce, error) {
	var n storage.Nonce
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNonces).Get([]byte(nonce))
		if data == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n.Expired(time.Now()) {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) ConsumeNonce(nonce string) error {
	// Read-check-delete inside one Update transaction: bbolt serializes
	// writers, so only one concurrent consume can succeed.
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		data := b.Get([]byte(nonce))
		if data == nil {
			return storage.ErrNotFound
		}
		var n storage.Nonce
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n.Expired(time.Now()) {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(nonce))
	})
}

func (s *Store) SweepExpiredNonces() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		now := time.Now()
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n storage.Nonce
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) InsertMessage(m *message.Message) (*message.Message, error) {
	stored := *m
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		room, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(stored.RoomID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		key := stored.Timestamp.UTC().Format(messageKeyLayout) + "#" + stored.ID
		if err := room.Put([]byte(key), data); err != nil {
			return err
		}
		// New traffic is what flips the room unread for the other side.
		return touchRoom(tx, stored.RoomID, stored.Timestamp)
	})
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return &stored, nil
}

// touchRoom advances the room's UpdatedAt to the message timestamp. Rooms
// created lazily by the first message may not exist yet; that is fine, the
// record appears when the pair's room is materialized.
func touchRoom(tx *bbolt.Tx, roomID string, at time.Time) error {
	b := tx.Bucket(bucketChatrooms)
	data := b.Get([]byte(roomID))
	if data == nil {
		return nil
	}
	var room storage.Chatroom
	if err := json.Unmarshal(data, &room); err != nil {
		return err
	}
	if !at.After(room.UpdatedAt) {
		return nil
	}
	room.UpdatedAt = at
	updated, err := json.Marshal(&room)
	if err != nil {
		return err
	}
	return b.Put([]byte(roomID), updated)
}

func (s *Store) MessagesByRoom(roomID string, limit, skip int) ([]message.Message, error) {
	var out []message.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		room := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		c := room.Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i < skip {
				i++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var m message.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			i++
		}
		return nil
	})
	return out, err
}

func (s *Store) FindOrCreateRoom(userA, userB string) (*storage.Chatroom, error) {
	roomID := message.RoomID(userA, userB)
	var room storage.Chatroom
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChatrooms)
		if data := b.Get([]byte(roomID)); data != nil {
			return json.Unmarshal(data, &room)
		}
		if userA > userB {
			userA, userB = userB, userA
		}
		now := time.Now().UTC()
		room = storage.Chatroom{
			ID:           roomID,
			Participants: [2]string{userA, userB},
			CreatedAt:    now,
			UpdatedAt:    now,
			ParticipantsRead: map[string]time.Time{
				userA: now,
				userB: now,
			},
		}
		data, err := json.Marshal(&room)
		if err != nil {
			return err
		}
		return b.Put([]byte(roomID), data)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) RoomsFor(username string) ([]storage.Chatroom, error) {
	var out []storage.Chatroom
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChatrooms).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var room storage.Chatroom
			if err := json.Unmarshal(v, &room); err != nil {
				return err
			}
			if room.HasParticipant(username) {
				out = append(out, room)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) IsParticipant(roomID, username string) (bool, error) {
	is := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChatrooms).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		var room storage.Chatroom
		if err := json.Unmarshal(data, &room); err != nil {
			return err
		}
		is = room.HasParticipant(username)
		return nil
	})
	return is, err
}

func (s *Store) MarkRead(roomID, username string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChatrooms)
		data := b.Get([]byte(roomID))
		if data == nil {
			return fmt.Errorf("%s: %w", roomID, storage.ErrNotFound)
		}
		var room storage.Chatroom
		if err := json.Unmarshal(data, &room); err != nil {
			return err
		}
		if !room.HasParticipant(username) {
			return fmt.Errorf("%s in %s: %w", username, roomID, storage.ErrNotFound)
		}
		room.ParticipantsRead[username] = at
		updated, err := json.Marshal(&room)
		if err != nil {
			return err
		}
		return b.Put([]byte(roomID), updated)
	})
}
