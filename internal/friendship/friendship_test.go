package friendship

import (
	"errors"
	"testing"
	"time"

	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

// memStore is an in-memory friend store for tests.
type memStore struct {
	friends map[wire.ID]peer.Peer
}

func newMemStore() *memStore {
	return &memStore{friends: make(map[wire.ID]peer.Peer)}
}

func (m *memStore) PutFriend(p peer.Peer) error {
	m.friends[p.PublicKey] = p
	return nil
}

func (m *memStore) GetFriend(key wire.ID) (peer.Peer, bool, error) {
	p, ok := m.friends[key]
	return p, ok, nil
}

func (m *memStore) FriendCount() (int, error) {
	return len(m.friends), nil
}

func key(b byte) wire.ID {
	var id wire.ID
	id[0] = b
	return id
}

func TestRequestOutgoing(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	bob := key(1)

	if err := s.RequestOutgoing(bob); err != nil {
		t.Fatalf("RequestOutgoing: %v", err)
	}
	if !s.IsPending(bob) {
		t.Error("request not recorded as pending")
	}

	// A duplicate send is suppressed.
	if err := s.RequestOutgoing(bob); !errors.Is(err, ErrAlreadyPending) {
		t.Errorf("duplicate request error = %v, want ErrAlreadyPending", err)
	}

	// A request to an existing friend is refused.
	store.PutFriend(peer.Peer{PublicKey: key(2), DisplayName: "carol"})
	if err := s.RequestOutgoing(key(2)); !errors.Is(err, ErrAlreadyFriends) {
		t.Errorf("request to friend error = %v, want ErrAlreadyFriends", err)
	}
}

func TestHandleRequestDecisions(t *testing.T) {
	current := time.Now()
	store := newMemStore()
	s := NewService(store, func() time.Time { return current })
	alice := key(1)

	// A stranger with no history is surfaced to the user.
	if d, err := s.HandleRequest(alice); err != nil || d != DecisionPrompt {
		t.Errorf("HandleRequest = (%v, %v), want DecisionPrompt", d, err)
	}

	// An existing friend's duplicate request is an idempotent no-op.
	store.PutFriend(peer.Peer{PublicKey: alice, DisplayName: "alice"})
	if d, _ := s.HandleRequest(alice); d != DecisionIgnore {
		t.Errorf("HandleRequest for friend = %v, want DecisionIgnore", d)
	}
}

func TestCooldownAutoReject(t *testing.T) {
	current := time.Now()
	s := NewService(newMemStore(), func() time.Time { return current })
	mallory := key(3)

	s.Reject(mallory)

	if d, _ := s.HandleRequest(mallory); d != DecisionAutoReject {
		t.Errorf("request during cooldown = %v, want DecisionAutoReject", d)
	}

	// Just before the cooldown elapses it still auto-rejects.
	current = current.Add(Cooldown - time.Second)
	if d, _ := s.HandleRequest(mallory); d != DecisionAutoReject {
		t.Errorf("request at cooldown edge = %v, want DecisionAutoReject", d)
	}

	// After the cooldown the request is surfaced normally.
	current = current.Add(2 * time.Second)
	if d, _ := s.HandleRequest(mallory); d != DecisionPrompt {
		t.Errorf("request after cooldown = %v, want DecisionPrompt", d)
	}
}

func TestCooldownBlocksOutgoing(t *testing.T) {
	current := time.Now()
	s := NewService(newMemStore(), func() time.Time { return current })
	bob := key(1)

	s.Reject(bob)
	if err := s.RequestOutgoing(bob); !errors.Is(err, ErrCooldown) {
		t.Errorf("outgoing during cooldown error = %v, want ErrCooldown", err)
	}

	current = current.Add(Cooldown + time.Second)
	if err := s.RequestOutgoing(bob); err != nil {
		t.Errorf("outgoing after cooldown error = %v, want nil", err)
	}
}

func TestAcceptIdempotent(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	alice := peer.Peer{PublicKey: key(1), DisplayName: "alice"}

	if err := s.Accept(alice); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Duplicate delivery of the same request accepts again without
	// creating a duplicate entry.
	if err := s.Accept(alice); err != nil {
		t.Fatalf("Accept (duplicate): %v", err)
	}
	if n, _ := store.FriendCount(); n != 1 {
		t.Errorf("friend count = %d, want 1", n)
	}
}

func TestAcceptClearsState(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	bob := key(1)

	s.RequestOutgoing(bob)
	s.cooldowns[bob] = s.now()

	if err := s.Accept(peer.Peer{PublicKey: bob, DisplayName: "bob"}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.IsPending(bob) {
		t.Error("pending entry survived Accept")
	}
	if s.cooldownActive(bob) {
		t.Error("cooldown survived Accept")
	}
}

func TestFriendLimit(t *testing.T) {
	store := newMemStore()
	for i := 0; i < peer.MaxFriends; i++ {
		var id wire.ID
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		store.PutFriend(peer.Peer{PublicKey: id})
	}

	s := NewService(store, nil)
	var extra wire.ID
	extra[31] = 0xff
	if err := s.Accept(peer.Peer{PublicKey: extra}); !errors.Is(err, ErrFriendLimit) {
		t.Errorf("Accept over limit error = %v, want ErrFriendLimit", err)
	}
}

func TestHandleAccept(t *testing.T) {
	store := newMemStore()
	s := NewService(store, nil)
	bob := peer.Peer{PublicKey: key(1), DisplayName: "bob"}

	// Acceptance without a pending request is ignored.
	if added, err := s.HandleAccept(bob); err != nil || added {
		t.Errorf("HandleAccept without pending = (%v, %v), want ignored", added, err)
	}

	s.RequestOutgoing(bob.PublicKey)
	added, err := s.HandleAccept(bob)
	if err != nil {
		t.Fatalf("HandleAccept: %v", err)
	}
	if !added {
		t.Error("pending acceptance did not add a friend")
	}
	if s.IsPending(bob.PublicKey) {
		t.Error("pending entry survived acceptance")
	}
	if _, ok, _ := store.GetFriend(bob.PublicKey); !ok {
		t.Error("friend missing from store after acceptance")
	}
}

func TestHandleReject(t *testing.T) {
	current := time.Now()
	s := NewService(newMemStore(), func() time.Time { return current })
	bob := key(1)

	s.RequestOutgoing(bob)
	s.HandleReject(bob)

	if s.IsPending(bob) {
		t.Error("pending entry survived rejection")
	}
	// An immediate resubmission is suppressed on our side too.
	if err := s.RequestOutgoing(bob); !errors.Is(err, ErrCooldown) {
		t.Errorf("resubmission error = %v, want ErrCooldown", err)
	}
}
