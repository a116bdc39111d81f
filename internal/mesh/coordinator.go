// Package mesh contains the dual-role coordinator: the single owner of
// all mutable protocol state. Platform callbacks, timers and API calls
// are serialized onto one event loop, so the presence cache, session
// table, friendship state and delivery state are never mutated
// concurrently. Network operations that may block (dialing, service
// discovery, writes) run on helper goroutines and report back onto the
// loop.
package mesh

import (
	"log/slog"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/danbachar/grassroots/internal/ble"
	"github.com/danbachar/grassroots/internal/chunk"
	"github.com/danbachar/grassroots/internal/config"
	"github.com/danbachar/grassroots/internal/delivery"
	"github.com/danbachar/grassroots/internal/friendship"
	"github.com/danbachar/grassroots/internal/identity"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/presence"
	"github.com/danbachar/grassroots/internal/wire"
)

// ConnectTimeout bounds a single dial attempt.
const ConnectTimeout = 10 * time.Second

// retrySweepInterval is how often the loop checks for due message
// retries; the actual delays come from the delivery backoff.
const retrySweepInterval = time.Second

// Store is the persistence the coordinator needs beyond what the
// friendship and delivery sub-stores cover.
type Store interface {
	friendship.Store
	delivery.Store
	Friends() ([]peer.Peer, error)
	MessagesWith(key wire.ID) ([]delivery.Message, error)
}

// Notifier receives the coordinator's user-facing events. Callbacks run
// on the event loop and must return quickly.
type Notifier interface {
	// FriendRequestReceived surfaces an incoming request for a user
	// decision.
	FriendRequestReceived(p peer.Peer)
	// FriendAdded fires when a friendship is completed from either side.
	FriendAdded(p peer.Peer)
	// FriendRequestRejected fires when our outgoing request is declined.
	FriendRequestRejected(key wire.ID)
	// MessageReceived fires for every inbound chat message.
	MessageReceived(m delivery.Message)
	// MessageStatusChanged fires when an outbound message advances.
	MessageStatusChanged(id wire.MessageID, status delivery.Status)
	// PeerPresenceChanged fires when a friend enters or leaves range.
	PeerPresenceChanged(key wire.ID, inRange bool)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) FriendRequestReceived(peer.Peer) {}

func (NopNotifier) FriendAdded(peer.Peer) {}

func (NopNotifier) FriendRequestRejected(wire.ID) {}

func (NopNotifier) MessageReceived(delivery.Message) {}

func (NopNotifier) MessageStatusChanged(wire.MessageID, delivery.Status) {}

func (NopNotifier) PeerPresenceChanged(wire.ID, bool) {}

// Options tune the coordinator. The zero value uses production settings.
type Options struct {
	// Now substitutes the clock, for tests.
	Now func() time.Time
	// DialTimeout overrides ConnectTimeout.
	DialTimeout time.Duration
}

// Coordinator reconciles the two BLE roles into one logical session per
// peer and routes every packet over whichever physical path is alive.
type Coordinator struct {
	tomb     tomb.Tomb
	cfg      *config.Config
	id       *identity.Identity
	tr       ble.Transport
	store    Store
	notifier Notifier
	now      func() time.Time
	dialTO   time.Duration

	calls chan func()

	// Everything below is owned by the event loop.
	cache    *presence.Cache
	sessions map[wire.ID]*peer.Session
	links    map[ble.LinkID]*linkState
	dialing  map[string]bool // device ids with a dial in flight
	friends  *friendship.Service
	delivery *delivery.Engine
	frag     *wire.Fragmenter
	reasm    *wire.Reassembler
	chunks   *chunk.Assembler

	// friendServices maps each friend's derived service UUID to their key.
	friendServices map[string]wire.ID
	// wanted maps service UUIDs of non-friends we hold an undelivered
	// friend request for; sighting one triggers a dial.
	wanted map[string]wire.ID
	// inRange tracks which friends currently appear in the cache.
	inRange map[wire.ID]bool
	// requestLinks remembers which link delivered a pending incoming
	// friend request, so the response goes back the same way.
	requestLinks map[wire.ID]ble.LinkID
	// activeChat is the peer whose conversation is open in the
	// foreground, if any; inbound messages from them are read-receipted
	// immediately.
	activeChat *wire.ID

	scanning bool
}

// New creates a coordinator. Call Start to bring it up.
func New(cfg *config.Config, id *identity.Identity, tr ble.Transport, st Store, n Notifier, opts Options) *Coordinator {
	if n == nil {
		n = NopNotifier{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dialTO := opts.DialTimeout
	if dialTO <= 0 {
		dialTO = ConnectTimeout
	}
	return &Coordinator{
		cfg:            cfg,
		id:             id,
		tr:             tr,
		store:          st,
		notifier:       n,
		now:            now,
		dialTO:         dialTO,
		calls:          make(chan func(), 64),
		cache:          presence.NewCache(now),
		sessions:       make(map[wire.ID]*peer.Session),
		links:          make(map[ble.LinkID]*linkState),
		dialing:        make(map[string]bool),
		friends:        friendship.NewService(st, now),
		delivery:       delivery.NewEngine(st, now),
		frag:           wire.NewFragmenter(id.PublicKey),
		reasm:          wire.NewReassembler(now),
		chunks:         chunk.NewAssembler(now),
		friendServices: make(map[string]wire.ID),
		wanted:         make(map[string]wire.ID),
		inRange:        make(map[wire.ID]bool),
		requestLinks:   make(map[wire.ID]ble.LinkID),
	}
}

// Start powers on the transport, begins advertising per the privacy
// level, starts the scan duty cycle and runs the event loop.
func (c *Coordinator) Start() error {
	friends, err := c.store.Friends()
	if err != nil {
		return err
	}
	for _, f := range friends {
		c.friendServices[identity.ServiceUUID(f.PublicKey)] = f.PublicKey
	}

	c.tr.SetHandler(c)
	if err := c.tr.Enable(); err != nil {
		return err
	}

	if c.cfg.Privacy.MayAdvertise() {
		name := ""
		if c.cfg.Privacy.AdvertiseName() {
			name = c.cfg.DisplayName
		}
		if err := c.tr.Advertise(identity.ServiceUUID(c.id.PublicKey), name); err != nil {
			return err
		}
	}

	if err := c.tr.StartScan(); err != nil {
		return err
	}
	c.scanning = true

	c.tomb.Go(c.run)
	slog.Info("[mesh] coordinator started",
		"node", c.id.PublicKey.Short(),
		"privacy", int(c.cfg.Privacy),
		"friends", len(friends))
	return nil
}

// Stop tears down the event loop and the transport.
func (c *Coordinator) Stop() error {
	c.tomb.Kill(nil)
	err := c.tr.Close()
	if werr := c.tomb.Wait(); werr != nil && werr != tomb.ErrDying {
		return werr
	}
	return err
}

func (c *Coordinator) run() error {
	sweep := time.NewTicker(presence.SweepInterval)
	defer sweep.Stop()
	retryTick := time.NewTicker(retrySweepInterval)
	defer retryTick.Stop()
	scanTimer := time.NewTimer(c.cfg.Scan.Duration)
	defer scanTimer.Stop()

	for {
		select {
		case fn := <-c.calls:
			fn()
		case <-sweep.C:
			c.sweepCaches()
		case <-retryTick.C:
			c.sweepRetries()
		case <-scanTimer.C:
			c.toggleScan(scanTimer)
		case <-c.tomb.Dying():
			return tomb.ErrDying
		}
	}
}

// post hands a closure to the event loop.
func (c *Coordinator) post(fn func()) {
	select {
	case c.calls <- fn:
	case <-c.tomb.Dying():
	}
}

// call runs fn on the event loop and waits for its result.
func (c *Coordinator) call(fn func() error) error {
	errc := make(chan error, 1)
	c.post(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-c.tomb.Dying():
		return c.tomb.Err()
	}
}

// toggleScan flips between the scan and pause halves of the duty cycle.
// Scanning continuously would monopolize the radio the advertisement and
// connections also need.
func (c *Coordinator) toggleScan(timer *time.Timer) {
	if c.cfg.Scan.Pause <= 0 {
		timer.Reset(c.cfg.Scan.Duration)
		return
	}
	if c.scanning {
		if err := c.tr.StopScan(); err != nil {
			slog.Warn("[mesh] stop scan", "error", err)
		}
		c.scanning = false
		timer.Reset(c.cfg.Scan.Pause)
		return
	}
	if err := c.tr.StartScan(); err != nil {
		slog.Warn("[mesh] start scan", "error", err)
	}
	c.scanning = true
	timer.Reset(c.cfg.Scan.Duration)
}

// sweepCaches is the periodic maintenance pass: presence expiry with
// in-range recomputation, stuck or idle connections, and both
// reassembly layers.
func (c *Coordinator) sweepCaches() {
	expired := c.cache.Sweep()
	if len(expired) > 0 {
		c.recomputeInRange()
	}

	now := c.now()
	for link, ls := range c.links {
		if ls.conn.HandshakeStuck(now) || ls.conn.Idle(now) {
			slog.Debug("[mesh] sweeping connection",
				"link", link, "state", ls.conn.State.String())
			c.teardownLink(link)
		}
	}

	c.reasm.Sweep()
	c.chunks.Sweep()
	for _, id := range c.delivery.ExpireOld() {
		slog.Debug("[mesh] message expired", "id", id)
	}
}

// recomputeInRange rematches every friend's service UUID against the
// live cache and reports transitions.
func (c *Coordinator) recomputeInRange() {
	for svc, key := range c.friendServices {
		nowInRange := c.cache.InRange(svc)
		if nowInRange != c.inRange[key] {
			c.inRange[key] = nowInRange
			c.notifier.PeerPresenceChanged(key, nowInRange)
		}
	}
}

// sweepRetries resends pending messages whose backoff elapsed.
func (c *Coordinator) sweepRetries() {
	for _, m := range c.delivery.DueForRetry() {
		slog.Debug("[mesh] retrying message", "id", m.ID, "attempt", m.RetryCount)
		pkt, err := c.chatPacket(m)
		if err != nil {
			continue
		}
		if err := c.sendToPeer(m.Recipient, ble.MessageCharUUID, pkt, c.chatDone(pkt)); err != nil {
			// No route right now; the message stays pending with its
			// retry budget intact until a link can carry it.
			continue
		}
		c.delivery.NoteAttempt(m.ID)
	}
}
