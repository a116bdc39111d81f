package mesh

import (
	"errors"
	"log/slog"

	"github.com/danbachar/grassroots/internal/ble"
	"github.com/danbachar/grassroots/internal/friendship"
	"github.com/danbachar/grassroots/internal/identity"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/wire"
)

// The three Handler methods run on transport goroutines and only post
// onto the event loop.

func (c *Coordinator) DeviceDiscovered(adv ble.Advertisement) {
	c.post(func() { c.handleDiscovery(adv) })
}

func (c *Coordinator) ConnectionChanged(link ble.LinkID, role ble.Role, connected bool) {
	c.post(func() { c.handleConnectionChanged(link, role, connected) })
}

func (c *Coordinator) DataReceived(link ble.LinkID, charUUID string, data []byte) {
	// The frame is copied before crossing goroutines; platform stacks
	// reuse their receive buffers.
	buf := make([]byte, len(data))
	copy(buf, data)
	c.post(func() { c.handleData(link, charUUID, buf) })
}

// handleDiscovery records a sighting and auto-connects to friends and to
// peers we hold an undelivered friend request for. In friends-only scan
// mode sightings that match neither are not even cached.
func (c *Coordinator) handleDiscovery(adv ble.Advertisement) {
	key, isFriend := c.matchFriend(adv)
	wantedKey, isWanted := c.matchWanted(adv)
	if !c.cfg.Privacy.ScanAll() && !isFriend && !isWanted {
		return
	}

	if c.cache.Observe(adv) {
		slog.Debug("[mesh] device discovered",
			"device", adv.DeviceID, "name", adv.Name, "rssi", adv.RSSI)
	}

	if !isFriend {
		if isWanted {
			c.maybeAutoConnect(wantedKey, adv.DeviceID, identity.ServiceUUID(wantedKey))
		}
		return
	}
	if !c.inRange[key] {
		c.inRange[key] = true
		c.notifier.PeerPresenceChanged(key, true)
	}
	c.maybeAutoConnect(key, adv.DeviceID, identity.ServiceUUID(key))

	// A friend reappearing may unblock messages queued while they were
	// away, if an inbound link to them already exists.
	if c.delivery.QueuedFor(key) > 0 {
		c.flushQueued(key)
	}
}

// matchFriend matches an advertisement's service UUIDs against known
// friends.
func (c *Coordinator) matchFriend(adv ble.Advertisement) (wire.ID, bool) {
	for _, svc := range adv.ServiceUUIDs {
		if key, ok := c.friendServices[svc]; ok {
			return key, true
		}
	}
	return wire.ID{}, false
}

// matchWanted matches an advertisement against peers we still owe a
// queued friend request.
func (c *Coordinator) matchWanted(adv ble.Advertisement) (wire.ID, bool) {
	for _, svc := range adv.ServiceUUIDs {
		if key, ok := c.wanted[svc]; ok {
			return key, true
		}
	}
	return wire.ID{}, false
}

func (c *Coordinator) handleConnectionChanged(link ble.LinkID, role ble.Role, connected bool) {
	if !connected {
		slog.Info("[mesh] link down", "link", link)
		c.dropLink(link)
		return
	}
	if role != ble.RolePeripheral {
		// Links we dial are registered by dialDone; the transport-level
		// connect event for them carries nothing new.
		return
	}
	if _, ok := c.links[link]; ok {
		return
	}
	// A remote central connected to our service. We cannot attribute it
	// to a peer until it sends a packet carrying its sender id; until
	// then it sits in handshaking and the sweep reaps it if it stays
	// silent.
	slog.Info("[mesh] inbound link", "link", link)
	ls := c.newLinkState(link, ble.RolePeripheral)
	c.transition(ls.conn, peer.StateHandshaking)
}

// handleData feeds one inbound frame through chunk reassembly and, when a
// blob completes, decodes and dispatches it.
func (c *Coordinator) handleData(link ble.LinkID, charUUID string, data []byte) {
	ls := c.links[link]
	if ls == nil {
		slog.Debug("[mesh] data on unknown link", "link", link)
		return
	}
	ls.conn.Touch(c.now())

	blob, done, err := c.chunks.Feed(string(link), data)
	if err != nil {
		slog.Warn("[mesh] bad chunk", "link", link, "error", err)
		return
	}
	if !done {
		return
	}

	pkt, err := wire.Decode(blob)
	if err != nil {
		slog.Warn("[mesh] undecodable packet", "link", link, "error", err)
		return
	}
	if !verifyPacket(pkt) {
		slog.Warn("[mesh] bad packet signature", "link", link, "sender", pkt.SenderID.Short())
		return
	}
	c.attributeLink(ls, pkt.SenderID)

	payload, err := wire.DecodePayload(pkt.Type, pkt.Payload)
	if err != nil {
		slog.Warn("[mesh] invalid payload",
			"link", link, "type", pkt.Type.String(), "error", err)
		return
	}

	if frag, ok := payload.(wire.FragmentPayload); ok {
		inner, complete := c.reasm.Feed(frag)
		if !complete {
			return
		}
		pkt, err = wire.Decode(inner)
		if err != nil {
			slog.Warn("[mesh] undecodable reassembled packet", "link", link, "error", err)
			return
		}
		if !verifyPacket(pkt) {
			slog.Warn("[mesh] bad inner packet signature", "sender", pkt.SenderID.Short())
			return
		}
		payload, err = wire.DecodePayload(pkt.Type, pkt.Payload)
		if err != nil {
			slog.Warn("[mesh] invalid reassembled payload",
				"type", pkt.Type.String(), "error", err)
			return
		}
	}

	c.dispatch(ls, pkt, payload)
}

// verifyPacket checks the ed25519 signature when one is carried. Unsigned
// packets pass; fragment wrappers are never signed, only the inner packet.
func verifyPacket(pkt *wire.Packet) bool {
	if pkt.Flags&wire.FlagHasSignature == 0 {
		return true
	}
	return identity.Verify(pkt.SenderID, pkt.Payload, pkt.Signature)
}

// attributeLink binds a link to the peer whose packets arrive on it and
// reconciles it into that peer's session.
func (c *Coordinator) attributeLink(ls *linkState, sender wire.ID) {
	if ls.known {
		return
	}
	ls.peerKey, ls.known = sender, true
	if ls.conn.State == peer.StateHandshaking {
		c.transition(ls.conn, peer.StateEstablished)
	}
	sess := c.session(sender)
	if ls.conn.Role == ble.RolePeripheral {
		sess.Inbound = ls.conn
	} else {
		sess.Outbound = ls.conn
	}
	slog.Info("[mesh] link attributed",
		"link", ls.conn.Link, "peer", sender.Short(), "role", ls.conn.Role.String())
	c.flushQueued(sender)
}

// dispatch routes a decoded packet to the owning protocol engine. The
// switch is exhaustive over the payload union; fragments never reach it.
func (c *Coordinator) dispatch(ls *linkState, pkt *wire.Packet, payload wire.Payload) {
	switch v := payload.(type) {
	case wire.ChatPayload:
		c.handleChat(pkt, v)
	case wire.DeliveryAckPayload:
		if status, changed := c.delivery.HandleDeliveryAck(v.MessageID); changed {
			c.notifier.MessageStatusChanged(v.MessageID, status)
		}
	case wire.ReadReceiptPayload:
		if status, changed := c.delivery.HandleReadReceipt(v.MessageID); changed {
			c.notifier.MessageStatusChanged(v.MessageID, status)
		}
	case wire.FriendRequestPayload:
		c.handleFriendRequest(ls, v)
	case wire.FriendAcceptPayload:
		c.handleFriendAccept(v)
	case wire.FriendRejectPayload:
		c.friends.HandleReject(v.PublicKey)
		delete(c.wanted, identity.ServiceUUID(v.PublicKey))
		c.notifier.FriendRequestRejected(v.PublicKey)
	case wire.FragmentPayload:
		// Unreachable: handleData consumes fragments before dispatch.
	}
}

// handleChat stores an inbound message, acknowledges it, and emits a read
// receipt immediately when the conversation is in the foreground. A
// duplicate (sender retry after a lost ack) overwrites the stored copy
// and is acknowledged again without a second notification.
func (c *Coordinator) handleChat(pkt *wire.Packet, v wire.ChatPayload) {
	_, seen, err := c.store.GetMessage(v.MessageID)
	if err != nil {
		slog.Error("[mesh] looking up inbound message", "error", err)
		return
	}
	m, err := c.delivery.ReceiveInbound(pkt.SenderID, v.MessageID, v.Content)
	if err != nil {
		slog.Error("[mesh] storing inbound message", "error", err)
		return
	}

	ack := wire.DeliveryAckPayload{MessageID: v.MessageID}
	c.sendPayload(pkt.SenderID, ble.MessageCharUUID, ack, nil)

	if c.activeChat != nil && *c.activeChat == pkt.SenderID {
		receipt := wire.ReadReceiptPayload{MessageID: v.MessageID}
		c.sendPayload(pkt.SenderID, ble.MessageCharUUID, receipt, nil)
	}

	if !seen {
		c.notifier.MessageReceived(*m)
	}
}

func (c *Coordinator) handleFriendRequest(ls *linkState, v wire.FriendRequestPayload) {
	decision, err := c.friends.HandleRequest(v.PublicKey)
	if err != nil {
		slog.Error("[mesh] friend request", "error", err)
		return
	}
	switch decision {
	case friendship.DecisionIgnore:
	case friendship.DecisionAutoReject:
		reject := wire.FriendRejectPayload{PublicKey: c.id.PublicKey}
		if err := c.sendPayloadOnLink(ls, ble.FriendResponseCharUUID, reject, nil); err != nil {
			slog.Warn("[mesh] sending auto-reject", "error", err)
		}
	case friendship.DecisionPrompt:
		c.requestLinks[v.PublicKey] = ls.conn.Link
		c.notifier.FriendRequestReceived(peer.Peer{
			PublicKey:   v.PublicKey,
			DisplayName: v.DisplayName,
			LastSeen:    c.now(),
		})
	}
}

func (c *Coordinator) handleFriendAccept(v wire.FriendAcceptPayload) {
	p := peer.Peer{
		PublicKey:   v.PublicKey,
		DisplayName: v.DisplayName,
		Verified:    true,
		LastSeen:    c.now(),
	}
	added, err := c.friends.HandleAccept(p)
	if err != nil {
		slog.Error("[mesh] friend accept", "error", err)
		return
	}
	if !added {
		return
	}
	c.friendServices[identity.ServiceUUID(v.PublicKey)] = v.PublicKey
	delete(c.wanted, identity.ServiceUUID(v.PublicKey))
	c.notifier.FriendAdded(p)
	c.flushQueued(v.PublicKey)
}

// sendPayload encodes a payload into a recipient-addressed packet and
// routes it to the peer. A missing route is reported, not fatal.
func (c *Coordinator) sendPayload(key wire.ID, charUUID string, payload wire.Payload, done func(error)) {
	pkt, err := c.packetFor(key, payload)
	if err != nil {
		slog.Error("[mesh] encoding payload", "error", err)
		return
	}
	if err := c.sendToPeer(key, charUUID, pkt, done); err != nil {
		if !errors.Is(err, ErrNoRoute) {
			slog.Warn("[mesh] send failed", "peer", key.Short(), "error", err)
		}
	}
}

func (c *Coordinator) sendPayloadOnLink(ls *linkState, charUUID string, payload wire.Payload, done func(error)) error {
	var pkt *wire.Packet
	var err error
	if ls.known {
		pkt, err = c.packetFor(ls.peerKey, payload)
	} else {
		var raw []byte
		raw, err = wire.EncodePayload(payload)
		if err == nil {
			pkt = wire.NewPacket(payload.PayloadType(), c.id.PublicKey, raw)
		}
	}
	if err != nil {
		return err
	}
	return c.sendOnLink(ls, charUUID, pkt, done)
}

// packetFor builds a signed, recipient-addressed packet for a payload.
func (c *Coordinator) packetFor(recipient wire.ID, payload wire.Payload) (*wire.Packet, error) {
	raw, err := wire.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	pkt := wire.NewPacket(payload.PayloadType(), c.id.PublicKey, raw).WithRecipient(recipient)
	return pkt.WithSignature(c.id.Sign(raw)), nil
}
