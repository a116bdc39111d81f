package peer

import (
	"fmt"
	"time"

	"github.com/danbachar/grassroots/internal/ble"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateEstablished
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Timeouts evaluated by the coordinator's periodic sweep, not by the
// connection itself.
const (
	// HandshakeTimeout abandons a connection stuck in handshaking.
	HandshakeTimeout = 10 * time.Second
	// IdleTimeout makes an established but silent connection eligible for
	// teardown.
	IdleTimeout = 60 * time.Second
)

// Connection is the ephemeral state of one physical link to a peer.
type Connection struct {
	Link              ble.LinkID
	Role              ble.Role
	State             State
	ConnectedAt       time.Time
	LastActivity      time.Time
	HandshakeAttempts int
}

// valid state transitions; disconnected may dial again. An accepted
// inbound link skips connecting and starts handshaking directly.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateHandshaking},
	StateConnecting:   {StateHandshaking, StateEstablished, StateDisconnected},
	StateHandshaking:  {StateEstablished, StateDisconnected},
	StateEstablished:  {StateDisconnected},
	StateDisconnected: {StateConnecting},
}

// Transition moves the connection to next, rejecting transitions the
// lifecycle does not allow.
func (c *Connection) Transition(next State, now time.Time) error {
	for _, allowed := range transitions[c.State] {
		if next == allowed {
			if next == StateEstablished {
				c.ConnectedAt = now
			}
			if next == StateHandshaking {
				c.HandshakeAttempts++
			}
			c.State = next
			c.LastActivity = now
			return nil
		}
	}
	return fmt.Errorf("peer: invalid transition %s -> %s on link %s", c.State, next, c.Link)
}

// Touch records link activity for idle-timeout accounting.
func (c *Connection) Touch(now time.Time) {
	c.LastActivity = now
}

// HandshakeStuck reports whether a handshake has been in flight longer
// than HandshakeTimeout.
func (c *Connection) HandshakeStuck(now time.Time) bool {
	return c.State == StateHandshaking && now.Sub(c.LastActivity) > HandshakeTimeout
}

// Idle reports whether an established connection has been silent longer
// than IdleTimeout.
func (c *Connection) Idle(now time.Time) bool {
	return c.State == StateEstablished && now.Sub(c.LastActivity) > IdleTimeout
}

// Session is the single logical view of a peer across both roles: at most
// one link we dialed and at most one link they dialed. Routing picks
// whichever is alive; neither is assumed to exist alone.
type Session struct {
	Peer     Peer
	Outbound *Connection // we dialed them (central role)
	Inbound  *Connection // they dialed us (peripheral role)
}

// ActiveLink returns the preferred live path for outbound data: the link
// we dialed when it is established, otherwise the inbound link.
func (s *Session) ActiveLink() (*Connection, bool) {
	if s.Outbound != nil && s.Outbound.State == StateEstablished {
		return s.Outbound, true
	}
	if s.Inbound != nil && s.Inbound.State == StateEstablished {
		return s.Inbound, true
	}
	return nil, false
}

// DropLink clears whichever side of the session holds the given link.
func (s *Session) DropLink(link ble.LinkID) {
	if s.Outbound != nil && s.Outbound.Link == link {
		s.Outbound = nil
	}
	if s.Inbound != nil && s.Inbound.Link == link {
		s.Inbound = nil
	}
}

// Empty reports whether the session holds no links at all.
func (s *Session) Empty() bool {
	return s.Outbound == nil && s.Inbound == nil
}
