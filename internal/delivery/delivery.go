// Package delivery tracks the lifecycle of chat messages: status
// progression, retry backoff for unacknowledged sends, expiry of stale
// messages, and the per-peer queue for recipients currently out of reach.
package delivery

import (
	"time"

	"github.com/google/uuid"

	"github.com/danbachar/grassroots/internal/wire"
)

// Status is the delivery position of a message. Transitions only move
// forward; a late DeliveryAck after a ReadReceipt never regresses the
// status.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

const (
	// Expiry removes messages never delivered within this window.
	Expiry = 24 * time.Hour

	// MaxRetries caps resend attempts for an unacknowledged message.
	MaxRetries = 4

	// maxQueued bounds the per-peer offline queue; the oldest packet is
	// dropped when it overflows.
	maxQueued = 64
)

// backoff delays indexed by retry count, clamped to the last value.
var backoff = [...]time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

// Backoff returns the delay before retry attempt n.
func Backoff(n int) time.Duration {
	if n >= len(backoff) {
		return backoff[len(backoff)-1]
	}
	return backoff[n]
}

// Message is one chat message with its delivery state.
type Message struct {
	ID         wire.MessageID `json:"id"`
	Sender     wire.ID        `json:"sender"`
	Recipient  wire.ID        `json:"recipient"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     Status         `json:"status"`
	RetryCount int            `json:"retryCount"`
	Inbound    bool           `json:"inbound"`
}

// Store is the slice of the persistence layer the engine needs.
type Store interface {
	PutMessage(m Message) error
	GetMessage(id wire.MessageID) (Message, bool, error)
	DeleteMessage(id wire.MessageID) error
}

// Engine owns message delivery state. It is pure state+logic invoked by
// the coordinator, which serializes all calls; no lock.
type Engine struct {
	now   func() time.Time
	store Store

	outbound    map[wire.MessageID]*Message  // unresolved outbound messages
	lastAttempt map[wire.MessageID]time.Time // last send attempt per message
	queues      map[wire.ID][]*wire.Packet   // per-peer packets awaiting a route
}

// NewEngine creates a delivery engine over the given message store. now
// may be nil for the wall clock.
func NewEngine(store Store, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		now:         now,
		store:       store,
		outbound:    make(map[wire.MessageID]*Message),
		lastAttempt: make(map[wire.MessageID]time.Time),
		queues:      make(map[wire.ID][]*wire.Packet),
	}
}

// CreateChat allocates a fresh message id and records the outbound message
// as pending. The caller builds and routes the chat packet.
func (e *Engine) CreateChat(sender, recipient wire.ID, content string) (*Message, error) {
	m := &Message{
		ID:        wire.MessageID(uuid.New()),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: e.now(),
		Status:    StatusPending,
	}
	if err := e.store.PutMessage(*m); err != nil {
		return nil, err
	}
	e.outbound[m.ID] = m
	e.lastAttempt[m.ID] = e.now()
	return m, nil
}

// ReceiveInbound stores a message that arrived from a peer.
func (e *Engine) ReceiveInbound(sender wire.ID, id wire.MessageID, content string) (*Message, error) {
	m := &Message{
		ID:        id,
		Sender:    sender,
		Content:   content,
		Timestamp: e.now(),
		Status:    StatusDelivered,
		Inbound:   true,
	}
	if err := e.store.PutMessage(*m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkSent advances a message to sent once the link layer acknowledged
// the write.
func (e *Engine) MarkSent(id wire.MessageID) (Status, bool) {
	return e.advance(id, StatusSent)
}

// HandleDeliveryAck advances a message to delivered.
func (e *Engine) HandleDeliveryAck(id wire.MessageID) (Status, bool) {
	return e.advance(id, StatusDelivered)
}

// HandleReadReceipt advances a message to read. Receiving it before the
// delivery ack still lands on read; the later ack then changes nothing.
func (e *Engine) HandleReadReceipt(id wire.MessageID) (Status, bool) {
	return e.advance(id, StatusRead)
}

// advance moves a message's status forward, never backward. It reports
// the resulting status and whether anything changed. Messages already
// resolved live only in the store; a read receipt landing after the
// delivery ack still advances the stored record.
func (e *Engine) advance(id wire.MessageID, to Status) (Status, bool) {
	m, ok := e.outbound[id]
	if !ok {
		stored, found, err := e.store.GetMessage(id)
		if err != nil || !found || stored.Inbound {
			return StatusPending, false
		}
		if to <= stored.Status {
			return stored.Status, false
		}
		stored.Status = to
		_ = e.store.PutMessage(stored)
		return to, true
	}
	if to <= m.Status {
		return m.Status, false
	}
	m.Status = to
	_ = e.store.PutMessage(*m)
	if to >= StatusDelivered {
		// Resolved: no more retries, no expiry tracking.
		delete(e.outbound, id)
		delete(e.lastAttempt, id)
	}
	return to, true
}

// Get returns the tracked outbound message, if still unresolved.
func (e *Engine) Get(id wire.MessageID) (*Message, bool) {
	m, ok := e.outbound[id]
	return m, ok
}

// DueForRetry returns the pending messages whose backoff has elapsed.
// A message is eligible while its retry count is below MaxRetries.
// Selection does not consume an attempt; the caller reports attempts
// that actually reached a link via NoteAttempt.
func (e *Engine) DueForRetry() []*Message {
	now := e.now()
	var due []*Message
	for id, m := range e.outbound {
		if m.Status != StatusPending || m.RetryCount >= MaxRetries {
			continue
		}
		if now.Sub(e.lastAttempt[id]) < Backoff(m.RetryCount) {
			continue
		}
		due = append(due, m)
	}
	return due
}

// NoteAttempt counts one send attempt against a pending message and
// restarts its backoff window.
func (e *Engine) NoteAttempt(id wire.MessageID) {
	m, ok := e.outbound[id]
	if !ok {
		return
	}
	m.RetryCount++
	e.lastAttempt[id] = e.now()
	_ = e.store.PutMessage(*m)
}

// ExpireOld removes messages unresolved for longer than Expiry from the
// store and every index, returning their ids.
func (e *Engine) ExpireOld() []wire.MessageID {
	cutoff := e.now().Add(-Expiry)
	var expired []wire.MessageID
	for id, m := range e.outbound {
		if m.Timestamp.Before(cutoff) {
			_ = e.store.DeleteMessage(id)
			delete(e.outbound, id)
			delete(e.lastAttempt, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Queue holds a packet for a peer with no live route. The oldest packet
// is dropped when the queue overflows.
func (e *Engine) Queue(peerKey wire.ID, pkt *wire.Packet) {
	q := e.queues[peerKey]
	if len(q) >= maxQueued {
		q = q[1:]
	}
	e.queues[peerKey] = append(q, pkt)
}

// TakeQueued removes and returns everything queued for a peer, in order.
func (e *Engine) TakeQueued(peerKey wire.ID) []*wire.Packet {
	q := e.queues[peerKey]
	delete(e.queues, peerKey)
	return q
}

// QueuedFor returns how many packets await a route to the peer.
func (e *Engine) QueuedFor(peerKey wire.ID) int {
	return len(e.queues[peerKey])
}
