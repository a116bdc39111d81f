package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/retry.v1"

	"github.com/danbachar/grassroots/internal/ble"
	"github.com/danbachar/grassroots/internal/chunk"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

// ErrNoRoute means no live link to the peer exists right now.
var ErrNoRoute = errors.New("mesh: no live link to peer")

// errOutboxFull means a link's sender queue is saturated.
var errOutboxFull = errors.New("mesh: link outbox full")

// dialStrategy paces the attempts within one auto-connect; a device that
// stays unreachable is retried with growing gaps rather than hammered.
var dialStrategy = retry.LimitCount(3, retry.Exponential{
	Initial:  2 * time.Second,
	Factor:   2,
	MaxDelay: 8 * time.Second,
})

// linkState is the coordinator's bookkeeping for one physical link. The
// conn pointer is shared with the owning peer session once the peer is
// known.
type linkState struct {
	conn *peer.Connection

	// peerKey is set once the link is attributed to a peer: at dial time
	// for links we open, at first decoded packet for links opened to us.
	peerKey wire.ID
	known   bool

	seq    chunk.Sequencer
	outbox chan sendJob
	closed chan struct{}
}

// sendJob is one wire packet flattened into link frames. done, if set,
// runs on the event loop after the last frame is written.
type sendJob struct {
	char   string
	frames [][]byte
	done   func(err error)
}

// newLinkState registers a link and starts its serialized sender
// goroutine. Writes must not run on the event loop, but frames of one
// packet must stay ordered, so each link gets exactly one sender.
func (c *Coordinator) newLinkState(link ble.LinkID, role ble.Role) *linkState {
	ls := &linkState{
		conn: &peer.Connection{
			Link:         link,
			Role:         role,
			LastActivity: c.now(),
		},
		outbox: make(chan sendJob, 16),
		closed: make(chan struct{}),
	}
	if link != "" {
		c.links[link] = ls
	}
	c.tomb.Go(func() error {
		c.runSender(ls)
		return nil
	})
	return ls
}

// transition advances a connection through its lifecycle table. An
// invalid step indicates a coordinator bug and is logged, not acted on.
func (c *Coordinator) transition(conn *peer.Connection, next peer.State) {
	if err := conn.Transition(next, c.now()); err != nil {
		slog.Warn("[mesh] connection state", "error", err)
	}
}

func (c *Coordinator) runSender(ls *linkState) {
	for {
		select {
		case job := <-ls.outbox:
			var err error
			for _, frame := range job.frames {
				if ls.conn.Role == ble.RoleCentral {
					err = c.tr.Write(ls.conn.Link, job.char, frame)
				} else {
					err = c.tr.Notify(ls.conn.Link, job.char, frame)
				}
				if err != nil {
					break
				}
			}
			if job.done != nil {
				done, werr := job.done, err
				c.post(func() { done(werr) })
			}
		case <-ls.closed:
			return
		case <-c.tomb.Dying():
			return
		}
	}
}

// frames turns one wire packet into the ordered link frames that carry
// it: encode, fragment, encode each fragment, chunk each encoding.
func (c *Coordinator) frames(ls *linkState, pkt *wire.Packet) ([][]byte, error) {
	encoded, err := wire.Encode(pkt)
	if err != nil {
		return nil, err
	}
	frags, err := c.frag.Split(encoded, wire.FragmentBudget)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, frag := range frags {
		fenc, err := wire.Encode(frag)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.Split(ls.seq.Next(), fenc)...)
	}
	return out, nil
}

// sendOnLink queues pkt for transmission on a specific link. done, if
// set, runs on the event loop once the write resolves.
func (c *Coordinator) sendOnLink(ls *linkState, charUUID string, pkt *wire.Packet, done func(error)) error {
	frames, err := c.frames(ls, pkt)
	if err != nil {
		return err
	}
	job := sendJob{char: charUUID, frames: frames, done: done}
	select {
	case ls.outbox <- job:
		ls.conn.Touch(c.now())
		return nil
	default:
		return errOutboxFull
	}
}

// sendToPeer routes pkt over the peer's preferred live link.
func (c *Coordinator) sendToPeer(key wire.ID, charUUID string, pkt *wire.Packet, done func(error)) error {
	sess := c.sessions[key]
	if sess == nil {
		return ErrNoRoute
	}
	conn, ok := sess.ActiveLink()
	if !ok {
		return ErrNoRoute
	}
	ls := c.links[conn.Link]
	if ls == nil {
		return ErrNoRoute
	}
	return c.sendOnLink(ls, charUUID, pkt, done)
}

// session returns the peer's session, creating it on first use.
func (c *Coordinator) session(key wire.ID) *peer.Session {
	sess := c.sessions[key]
	if sess == nil {
		sess = &peer.Session{}
		if p, ok, err := c.store.GetFriend(key); err == nil && ok {
			sess.Peer = p
		} else {
			sess.Peer = peer.Peer{PublicKey: key}
		}
		c.sessions[key] = sess
	}
	return sess
}

// maybeAutoConnect dials a sighted friend unless a usable outbound link
// or an in-flight dial already exists.
func (c *Coordinator) maybeAutoConnect(key wire.ID, deviceID, serviceUUID string) {
	sess := c.session(key)
	if sess.Outbound != nil && sess.Outbound.State != peer.StateDisconnected {
		return
	}
	if c.dialing[deviceID] {
		return
	}
	c.dialing[deviceID] = true

	// No link id yet; the dial goroutine reports one and dialDone keys
	// the state under it.
	ls := c.newLinkState("", ble.RoleCentral)
	c.transition(ls.conn, peer.StateConnecting)
	ls.peerKey, ls.known = key, true
	sess.Outbound = ls.conn

	slog.Info("[mesh] auto-connecting", "peer", key.Short(), "device", deviceID)
	c.tomb.Go(func() error {
		link, err := c.dial(deviceID, serviceUUID)
		c.post(func() { c.dialDone(key, deviceID, link, ls, err) })
		return nil
	})
}

// dial runs off the event loop: connect with backoff, then discover the
// peer's service and subscribe to its characteristics.
func (c *Coordinator) dial(deviceID, serviceUUID string) (ble.LinkID, error) {
	var lastErr error
	for a := retry.Start(dialStrategy, nil); a.Next(); {
		ctx, cancel := context.WithTimeout(context.Background(), c.dialTO)
		link, err := c.tr.Connect(ctx, deviceID)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.handshake(link, serviceUUID); err != nil {
			lastErr = err
			c.tr.Disconnect(link)
			continue
		}
		return link, nil
	}
	return "", fmt.Errorf("mesh: dialing %s: %w", deviceID, lastErr)
}

func (c *Coordinator) handshake(link ble.LinkID, serviceUUID string) error {
	if err := c.tr.DiscoverServices(link, serviceUUID); err != nil {
		return err
	}
	for _, char := range []string{ble.MessageCharUUID, ble.FriendResponseCharUUID, ble.FriendRequestCharUUID} {
		if err := c.tr.Subscribe(link, char); err != nil {
			return err
		}
	}
	return nil
}

// dialDone resolves an auto-connect back on the event loop.
func (c *Coordinator) dialDone(key wire.ID, deviceID string, link ble.LinkID, ls *linkState, err error) {
	delete(c.dialing, deviceID)
	sess := c.sessions[key]

	if err != nil {
		slog.Warn("[mesh] auto-connect failed", "peer", key.Short(), "error", err)
		c.transition(ls.conn, peer.StateDisconnected)
		close(ls.closed)
		if sess != nil && sess.Outbound == ls.conn {
			sess.Outbound = nil
		}
		return
	}

	// The device may have expired from the cache while we were dialing;
	// a connection to a peer we no longer consider present is abandoned.
	if !c.cache.Contains(deviceID) {
		slog.Debug("[mesh] abandoning connect, device left cache", "device", deviceID)
		c.transition(ls.conn, peer.StateDisconnected)
		close(ls.closed)
		if sess != nil && sess.Outbound == ls.conn {
			sess.Outbound = nil
		}
		c.tr.Disconnect(link)
		return
	}

	ls.conn.Link = link
	c.transition(ls.conn, peer.StateEstablished)
	c.links[link] = ls
	slog.Info("[mesh] link established", "peer", key.Short(), "link", link, "role", "central")
	c.flushQueued(key)
}

// teardownLink disconnects and forgets a link, clearing session and
// chunk-reassembly state tied to it.
func (c *Coordinator) teardownLink(link ble.LinkID) {
	ls := c.links[link]
	if ls == nil {
		return
	}
	c.tr.Disconnect(link)
	c.dropLink(link)
}

// dropLink clears local state for a link that is already down.
func (c *Coordinator) dropLink(link ble.LinkID) {
	ls := c.links[link]
	if ls == nil {
		return
	}
	delete(c.links, link)
	if ls.conn.State != peer.StateDisconnected {
		c.transition(ls.conn, peer.StateDisconnected)
	}
	close(ls.closed)
	c.chunks.DropLink(string(link))
	if ls.known {
		if sess := c.sessions[ls.peerKey]; sess != nil {
			sess.DropLink(link)
		}
	}
	for key, l := range c.requestLinks {
		if l == link {
			delete(c.requestLinks, key)
		}
	}
}

// charFor picks the characteristic a packet type travels over.
func charFor(t wire.Type) string {
	switch t {
	case wire.TypeFriendRequest:
		return ble.FriendRequestCharUUID
	case wire.TypeFriendAccept, wire.TypeFriendReject:
		return ble.FriendResponseCharUUID
	default:
		return ble.MessageCharUUID
	}
}

// flushQueued drains packets that accumulated while the peer had no
// route. Chats are marked sent once their frames clear the link. On a
// send failure the whole remainder of the queue is kept, in order.
func (c *Coordinator) flushQueued(key wire.ID) {
	queued := c.delivery.TakeQueued(key)
	for i, pkt := range queued {
		done := c.chatDone(pkt)
		if err := c.sendToPeer(key, charFor(pkt.Type), pkt, done); err != nil {
			for _, rest := range queued[i:] {
				c.delivery.Queue(key, rest)
			}
			return
		}
	}
}

// chatDone builds the write-completion callback for a chat packet: mark
// the message sent on success, leave it pending for retry on failure.
func (c *Coordinator) chatDone(pkt *wire.Packet) func(error) {
	id, ok := chatID(pkt)
	if !ok {
		return nil
	}
	return func(err error) {
		if err != nil {
			slog.Warn("[mesh] chat write failed", "id", id, "error", err)
			return
		}
		if status, changed := c.delivery.MarkSent(id); changed {
			c.notifier.MessageStatusChanged(id, status)
		}
	}
}

// chatID extracts the message id from an encoded chat packet.
func chatID(pkt *wire.Packet) (wire.MessageID, bool) {
	if pkt.Type != wire.TypeChat {
		return wire.MessageID{}, false
	}
	payload, err := wire.DecodePayload(pkt.Type, pkt.Payload)
	if err != nil {
		return wire.MessageID{}, false
	}
	return payload.(wire.ChatPayload).MessageID, true
}
