// Package store persists the friend list and message history in an
// embedded bbolt database, keyed by public key and message id.
package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/danbachar/grassroots/internal/delivery"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

var (
	bucketFriends  = []byte("friends")
	bucketMessages = []byte("messages")
)

// Store wraps the bbolt database. It is safe for concurrent use; bbolt
// serializes writers internally.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures the buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFriends, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutFriend inserts or updates a friend record.
func (s *Store) PutFriend(p peer.Peer) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal friend: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFriends).Put(p.PublicKey[:], raw)
	})
}

// GetFriend looks up a friend by public key.
func (s *Store) GetFriend(key wire.ID) (peer.Peer, bool, error) {
	var p peer.Peer
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFriends).Get(key[:])
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &p)
	})
	if err != nil {
		return peer.Peer{}, false, fmt.Errorf("store: get friend: %w", err)
	}
	return p, found, nil
}

// DeleteFriend removes a friend record. Missing keys are a no-op.
func (s *Store) DeleteFriend(key wire.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFriends).Delete(key[:])
	})
}

// Friends returns every friend, sorted by display name for stable
// listings.
func (s *Store) Friends() ([]peer.Peer, error) {
	var friends []peer.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFriends).ForEach(func(_, raw []byte) error {
			var p peer.Peer
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			friends = append(friends, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list friends: %w", err)
	}
	sort.Slice(friends, func(i, j int) bool {
		return friends[i].DisplayName < friends[j].DisplayName
	})
	return friends, nil
}

// FriendCount returns the number of stored friends.
func (s *Store) FriendCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketFriends).Stats().KeyN
		return nil
	})
	return n, err
}

// PutMessage inserts or updates a message record.
func (s *Store) PutMessage(m delivery.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Put(m.ID[:], raw)
	})
}

// GetMessage looks up a message by id.
func (s *Store) GetMessage(id wire.MessageID) (delivery.Message, bool, error) {
	var m delivery.Message
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMessages).Get(id[:])
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &m)
	})
	if err != nil {
		return delivery.Message{}, false, fmt.Errorf("store: get message: %w", err)
	}
	return m, found, nil
}

// DeleteMessage removes a message record. Missing ids are a no-op.
func (s *Store) DeleteMessage(id wire.MessageID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete(id[:])
	})
}

// MessagesWith returns the chat history with one peer (messages sent to
// or received from them), oldest first.
func (s *Store) MessagesWith(key wire.ID) ([]delivery.Message, error) {
	var msgs []delivery.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, raw []byte) error {
			var m delivery.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			if m.Sender == key || m.Recipient == key {
				msgs = append(msgs, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}
