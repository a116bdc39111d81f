package mesh

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/danbachar/grassroots/internal/ble"
	"github.com/danbachar/grassroots/internal/config"
	"github.com/danbachar/grassroots/internal/delivery"
	"github.com/danbachar/grassroots/internal/identity"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

// ErrRequestPending means an answer to an earlier friend request to the
// peer is still outstanding.
var ErrRequestPending = errors.New("mesh: no pending friend request from peer")

// SendChat sends a chat message to a friend. The message is created
// pending either way; with no live link it is queued and flushed when the
// peer comes back into range.
func (c *Coordinator) SendChat(recipient wire.ID, content string) (wire.MessageID, error) {
	var id wire.MessageID
	err := c.call(func() error {
		m, err := c.delivery.CreateChat(c.id.PublicKey, recipient, content)
		if err != nil {
			return err
		}
		id = m.ID
		pkt, err := c.chatPacket(m)
		if err != nil {
			return err
		}
		if err := c.sendToPeer(recipient, ble.MessageCharUUID, pkt, c.chatDone(pkt)); err != nil {
			slog.Debug("[mesh] no route, queueing message",
				"peer", recipient.Short(), "id", m.ID)
			c.delivery.Queue(recipient, pkt)
		}
		return nil
	})
	return id, err
}

func (c *Coordinator) chatPacket(m *delivery.Message) (*wire.Packet, error) {
	return c.packetFor(m.Recipient, wire.ChatPayload{MessageID: m.ID, Content: m.Content})
}

// SendFriendRequest records an outgoing friend request and sends it to
// the peer. With no live link the request is queued and the peer's
// service UUID becomes a dial target, so two strangers who request each
// other still end up connected once either side is sighted.
func (c *Coordinator) SendFriendRequest(key wire.ID) error {
	return c.call(func() error {
		if err := c.friends.RequestOutgoing(key); err != nil {
			return err
		}
		payload := wire.FriendRequestPayload{
			PublicKey:   c.id.PublicKey,
			DisplayName: c.id.DisplayName,
		}
		pkt, err := c.packetFor(key, payload)
		if err != nil {
			c.friends.CancelOutgoing(key)
			return err
		}
		if err := c.sendToPeer(key, ble.FriendRequestCharUUID, pkt, nil); err != nil {
			svc := identity.ServiceUUID(key)
			slog.Debug("[mesh] no route for friend request, queueing",
				"peer", key.Short())
			c.delivery.Queue(key, pkt)
			c.wanted[svc] = key
			if dev, ok := c.cache.DeviceFor(svc); ok {
				c.maybeAutoConnect(key, dev.Adv.DeviceID, svc)
			}
		}
		return nil
	})
}

// AcceptFriendRequest answers a pending incoming request: the peer is
// persisted as a friend and the acceptance goes back over the link that
// delivered the request.
func (c *Coordinator) AcceptFriendRequest(p peer.Peer) error {
	return c.call(func() error {
		link, ok := c.requestLinks[p.PublicKey]
		if !ok {
			return ErrRequestPending
		}
		p.Verified = true
		p.LastSeen = c.now()
		if err := c.friends.Accept(p); err != nil {
			return err
		}
		delete(c.requestLinks, p.PublicKey)
		c.friendServices[identity.ServiceUUID(p.PublicKey)] = p.PublicKey
		c.notifier.FriendAdded(p)

		accept := wire.FriendAcceptPayload{
			PublicKey:   c.id.PublicKey,
			DisplayName: c.id.DisplayName,
		}
		if ls := c.links[link]; ls != nil {
			return c.sendPayloadOnLink(ls, ble.FriendResponseCharUUID, accept, nil)
		}
		// The request link died in the meantime; any live link will do.
		c.sendPayload(p.PublicKey, ble.FriendResponseCharUUID, accept, nil)
		return nil
	})
}

// RejectFriendRequest declines a pending incoming request and starts the
// requester's cooldown.
func (c *Coordinator) RejectFriendRequest(key wire.ID) error {
	return c.call(func() error {
		link, ok := c.requestLinks[key]
		if !ok {
			return ErrRequestPending
		}
		c.friends.Reject(key)
		delete(c.requestLinks, key)

		reject := wire.FriendRejectPayload{PublicKey: c.id.PublicKey}
		if ls := c.links[link]; ls != nil {
			return c.sendPayloadOnLink(ls, ble.FriendResponseCharUUID, reject, nil)
		}
		return nil
	})
}

// SetActiveChat marks one conversation as foregrounded; inbound messages
// from that peer are read-receipted as they arrive. Pass nil when no
// conversation is open.
func (c *Coordinator) SetActiveChat(key *wire.ID) {
	c.post(func() {
		if key == nil {
			c.activeChat = nil
			return
		}
		k := *key
		c.activeChat = &k
	})
}

// SetPrivacyLevel changes the privacy level at runtime and re-applies its
// advertise gate immediately.
func (c *Coordinator) SetPrivacyLevel(level config.PrivacyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("mesh: invalid privacy level %d", level)
	}
	return c.call(func() error {
		if level == c.cfg.Privacy {
			return nil
		}
		was := c.cfg.Privacy
		c.cfg.Privacy = level
		slog.Info("[mesh] privacy level changed", "from", int(was), "to", int(level))

		if was.MayAdvertise() && !level.MayAdvertise() {
			return c.tr.StopAdvertise()
		}
		if level.MayAdvertise() && (!was.MayAdvertise() || was.AdvertiseName() != level.AdvertiseName()) {
			if was.MayAdvertise() {
				if err := c.tr.StopAdvertise(); err != nil {
					return err
				}
			}
			name := ""
			if level.AdvertiseName() {
				name = c.cfg.DisplayName
			}
			return c.tr.Advertise(identity.ServiceUUID(c.id.PublicKey), name)
		}
		return nil
	})
}

// Friends lists the persisted friends.
func (c *Coordinator) Friends() ([]peer.Peer, error) {
	return c.store.Friends()
}

// History returns the stored conversation with a peer, oldest first.
func (c *Coordinator) History(key wire.ID) ([]delivery.Message, error) {
	return c.store.MessagesWith(key)
}

// PeerInRange reports whether a friend is currently present in the
// device cache.
func (c *Coordinator) PeerInRange(key wire.ID) bool {
	var in bool
	c.call(func() error {
		in = c.inRange[key]
		return nil
	})
	return in
}

// MarkRead sends a read receipt for an inbound message, for chats read
// outside an active conversation.
func (c *Coordinator) MarkRead(id wire.MessageID) error {
	return c.call(func() error {
		m, ok, err := c.store.GetMessage(id)
		if err != nil {
			return err
		}
		if !ok || !m.Inbound {
			return fmt.Errorf("mesh: no inbound message %s", id)
		}
		receipt := wire.ReadReceiptPayload{MessageID: id}
		c.sendPayload(m.Sender, ble.MessageCharUUID, receipt, nil)
		return nil
	})
}
