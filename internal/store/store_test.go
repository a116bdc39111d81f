package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danbachar/grassroots/internal/delivery"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "grassroots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func key(b byte) wire.ID {
	var id wire.ID
	id[0] = b
	return id
}

func TestFriendCRUD(t *testing.T) {
	s := openTestStore(t)

	alice := peer.Peer{
		PublicKey:   key(1),
		DisplayName: "alice",
		LastSeen:    time.Now().UTC().Truncate(time.Second),
	}

	if err := s.PutFriend(alice); err != nil {
		t.Fatalf("PutFriend: %v", err)
	}

	got, ok, err := s.GetFriend(alice.PublicKey)
	if err != nil || !ok {
		t.Fatalf("GetFriend = (%v, %v)", ok, err)
	}
	if got.DisplayName != "alice" || got.PublicKey != alice.PublicKey {
		t.Errorf("got %+v, want %+v", got, alice)
	}

	if _, ok, _ := s.GetFriend(key(99)); ok {
		t.Error("found a friend that was never stored")
	}

	// Update in place.
	alice.DisplayName = "alice2"
	if err := s.PutFriend(alice); err != nil {
		t.Fatalf("PutFriend (update): %v", err)
	}
	if n, _ := s.FriendCount(); n != 1 {
		t.Errorf("count after update = %d, want 1", n)
	}

	if err := s.DeleteFriend(alice.PublicKey); err != nil {
		t.Fatalf("DeleteFriend: %v", err)
	}
	if _, ok, _ := s.GetFriend(alice.PublicKey); ok {
		t.Error("friend survived deletion")
	}
}

func TestFriendsSorted(t *testing.T) {
	s := openTestStore(t)

	s.PutFriend(peer.Peer{PublicKey: key(1), DisplayName: "zed"})
	s.PutFriend(peer.Peer{PublicKey: key(2), DisplayName: "amy"})

	friends, err := s.Friends()
	if err != nil {
		t.Fatalf("Friends: %v", err)
	}
	if len(friends) != 2 || friends[0].DisplayName != "amy" {
		t.Errorf("friends = %v, want sorted by name", friends)
	}
}

func TestMessageCRUD(t *testing.T) {
	s := openTestStore(t)

	var id wire.MessageID
	copy(id[:], "0123456789abcdef")
	m := delivery.Message{
		ID:        id,
		Sender:    key(1),
		Recipient: key(2),
		Content:   "hello over the mesh",
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Status:    delivery.StatusPending,
	}

	if err := s.PutMessage(m); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	got, ok, err := s.GetMessage(id)
	if err != nil || !ok {
		t.Fatalf("GetMessage = (%v, %v)", ok, err)
	}
	if got.Content != m.Content || got.Status != m.Status {
		t.Errorf("got %+v, want %+v", got, m)
	}

	if err := s.DeleteMessage(id); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, ok, _ := s.GetMessage(id); ok {
		t.Error("message survived deletion")
	}
}

func TestMessagesWith(t *testing.T) {
	s := openTestStore(t)
	alice, bob, carol := key(1), key(2), key(3)

	base := time.Now().UTC().Truncate(time.Second)
	put := func(idx byte, sender, recipient wire.ID, at time.Time) {
		var id wire.MessageID
		id[0] = idx
		s.PutMessage(delivery.Message{ID: id, Sender: sender, Recipient: recipient, Timestamp: at})
	}
	put(1, alice, bob, base.Add(2*time.Second))
	put(2, bob, alice, base.Add(time.Second))
	put(3, alice, carol, base)

	msgs, err := s.MessagesWith(bob)
	if err != nil {
		t.Fatalf("MessagesWith: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages with bob, want 2", len(msgs))
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Error("messages not sorted oldest first")
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grassroots.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.PutFriend(peer.Peer{PublicKey: key(7), DisplayName: "dana"})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, ok, _ := s.GetFriend(key(7)); !ok {
		t.Error("friend lost across reopen")
	}
}
