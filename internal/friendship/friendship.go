// Package friendship implements the request/accept/reject state machine.
// It is pure protocol state: the coordinator invokes it for every
// friendship packet and routes whatever needs sending; nothing here
// touches the transport.
package friendship

import (
	"errors"
	"fmt"
	"time"

	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

// Cooldown blocks new requests to or from a peer after a rejection.
const Cooldown = 5 * time.Minute

var (
	// ErrAlreadyFriends means the target is already in the friend store.
	ErrAlreadyFriends = errors.New("friendship: already friends")
	// ErrAlreadyPending suppresses a duplicate outgoing request.
	ErrAlreadyPending = errors.New("friendship: request already pending")
	// ErrCooldown blocks a request while a rejection cooldown is active.
	ErrCooldown = errors.New("friendship: rejection cooldown active")
	// ErrFriendLimit means the friend store is full.
	ErrFriendLimit = fmt.Errorf("friendship: friend limit of %d reached", peer.MaxFriends)
)

// Store is the slice of the persistence layer the protocol needs.
type Store interface {
	PutFriend(p peer.Peer) error
	GetFriend(key wire.ID) (peer.Peer, bool, error)
	FriendCount() (int, error)
}

// Decision is the verdict on an incoming friend request.
type Decision int

const (
	// DecisionIgnore drops the request without any response; the sender is
	// already a friend, so duplicate delivery is a no-op.
	DecisionIgnore Decision = iota
	// DecisionAutoReject answers with a rejection without involving the
	// user, because a cooldown is active.
	DecisionAutoReject
	// DecisionPrompt surfaces the request to the user.
	DecisionPrompt
)

// Service holds the per-peer friendship state: outgoing requests awaiting
// an answer and rejection cooldowns. Owned by the coordinator; no lock.
type Service struct {
	now   func() time.Time
	store Store

	pending   map[wire.ID]time.Time // outgoing request -> sent at
	cooldowns map[wire.ID]time.Time // peer -> rejection time
}

// NewService creates a friendship service over the given friend store.
// now may be nil for the wall clock.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		now:       now,
		store:     store,
		pending:   make(map[wire.ID]time.Time),
		cooldowns: make(map[wire.ID]time.Time),
	}
}

// RequestOutgoing validates and records an outgoing friend request to the
// given peer. The caller sends the request packet only on a nil return.
// There is deliberately no give-up timer: an unanswered request stays
// pending until the peer responds.
func (s *Service) RequestOutgoing(key wire.ID) error {
	if _, ok, err := s.store.GetFriend(key); err != nil {
		return err
	} else if ok {
		return ErrAlreadyFriends
	}
	if s.cooldownActive(key) {
		return ErrCooldown
	}
	if _, ok := s.pending[key]; ok {
		return ErrAlreadyPending
	}
	s.pending[key] = s.now()
	return nil
}

// CancelOutgoing clears a pending outgoing request whose packet never
// made it onto a link, so the user can try again later.
func (s *Service) CancelOutgoing(key wire.ID) {
	delete(s.pending, key)
}

// HandleRequest decides what to do with an incoming friend request.
func (s *Service) HandleRequest(key wire.ID) (Decision, error) {
	if _, ok, err := s.store.GetFriend(key); err != nil {
		return DecisionIgnore, err
	} else if ok {
		return DecisionIgnore, nil
	}
	if s.cooldownActive(key) {
		return DecisionAutoReject, nil
	}
	return DecisionPrompt, nil
}

// Accept adds the requester as a friend and clears any pending or
// cooldown state for them. Idempotent: accepting a duplicate request of
// an existing friend only refreshes the stored name.
func (s *Service) Accept(p peer.Peer) error {
	if _, ok, err := s.store.GetFriend(p.PublicKey); err != nil {
		return err
	} else if !ok {
		n, err := s.store.FriendCount()
		if err != nil {
			return err
		}
		if n >= peer.MaxFriends {
			return ErrFriendLimit
		}
	}
	if err := s.store.PutFriend(p); err != nil {
		return err
	}
	delete(s.pending, p.PublicKey)
	delete(s.cooldowns, p.PublicKey)
	return nil
}

// Reject records the rejection cooldown for the requester.
func (s *Service) Reject(key wire.ID) {
	s.cooldowns[key] = s.now()
}

// HandleAccept processes an incoming acceptance of our earlier request.
// It reports whether a friend was added; an acceptance with no matching
// pending request from a non-friend is ignored.
func (s *Service) HandleAccept(p peer.Peer) (bool, error) {
	_, isFriend, err := s.store.GetFriend(p.PublicKey)
	if err != nil {
		return false, err
	}
	if _, wasPending := s.pending[p.PublicKey]; !wasPending && !isFriend {
		return false, nil
	}
	if err := s.Accept(p); err != nil {
		return false, err
	}
	return !isFriend, nil
}

// HandleReject processes an incoming rejection of our earlier request:
// the pending entry is cleared and a cooldown starts on our side too, so
// an immediate resubmission is suppressed locally.
func (s *Service) HandleReject(key wire.ID) {
	delete(s.pending, key)
	s.cooldowns[key] = s.now()
}

// IsPending reports whether an outgoing request to the peer awaits an
// answer.
func (s *Service) IsPending(key wire.ID) bool {
	_, ok := s.pending[key]
	return ok
}

func (s *Service) cooldownActive(key wire.ID) bool {
	rejected, ok := s.cooldowns[key]
	if !ok {
		return false
	}
	if s.now().Sub(rejected) >= Cooldown {
		delete(s.cooldowns, key)
		return false
	}
	return true
}
