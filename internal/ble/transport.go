// Package ble abstracts the platform Bluetooth Low Energy stack behind a
// dual-role transport: every node advertises its own GATT service
// (peripheral role) while scanning for and dialing other nodes (central
// role). The coordinator consumes this interface; the tinygo-backed
// implementation lives in tinygo.go and a mock lives with the coordinator
// tests.
package ble

import "context"

// Characteristic UUIDs of the grassroots GATT service. The service UUID
// itself is per-node, derived from the node's public key; these three are
// protocol constants shared by every node.
const (
	FriendRequestCharUUID  = "47720001-5261-7373-726f-6f7473000001"
	FriendResponseCharUUID = "47720002-5261-7373-726f-6f7473000002"
	MessageCharUUID        = "47720003-5261-7373-726f-6f7473000003"
)

// LinkID is the platform-assigned identifier of one live connection. A
// link we dialed and a link dialed to us carry identifiers from separate
// namespaces even when they reach the same peer; unifying them per peer is
// the coordinator's job.
type LinkID string

// Role is our role on a particular link.
type Role uint8

const (
	// RoleCentral marks a link we dialed.
	RoleCentral Role = iota
	// RolePeripheral marks a link a remote central opened to our
	// advertised service.
	RolePeripheral
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// Advertisement is one scan sighting of a remote device.
type Advertisement struct {
	DeviceID     string // platform per-scan device identifier
	Name         string
	ServiceUUIDs []string
	RSSI         int
}

// Handler receives the transport's inbound event streams. Implementations
// must not block; the coordinator serializes events onto its own loop.
type Handler interface {
	// DeviceDiscovered fires for every advertisement sighted while scanning.
	DeviceDiscovered(adv Advertisement)
	// ConnectionChanged fires when a link comes up or goes down.
	ConnectionChanged(link LinkID, role Role, connected bool)
	// DataReceived fires for every inbound write (peripheral role) or
	// notification (central role) with the characteristic it arrived on.
	DataReceived(link LinkID, charUUID string, data []byte)
}

// Transport is the capability the engine requires from the BLE stack.
type Transport interface {
	// Enable powers on the radio. Must be called before anything else.
	Enable() error
	// SetHandler registers the event sink. Must be called before Enable.
	SetHandler(h Handler)

	// StartScan begins scanning for advertisements; sightings arrive via
	// Handler.DeviceDiscovered until StopScan.
	StartScan() error
	StopScan() error

	// Advertise starts the peripheral-role advertisement of the node's
	// service, optionally carrying a display name.
	Advertise(serviceUUID, name string) error
	StopAdvertise() error

	// Connect dials a scanned device. It blocks until the link is up or
	// ctx expires; the caller runs it off the event path.
	Connect(ctx context.Context, deviceID string) (LinkID, error)
	Disconnect(link LinkID) error

	// DiscoverServices resolves the peer's service and its characteristics
	// on a dialed link. Required after every connect, before any data.
	DiscoverServices(link LinkID, serviceUUID string) error
	// Subscribe enables notifications from the peer's characteristic on a
	// dialed link; data arrives via Handler.DataReceived.
	Subscribe(link LinkID, charUUID string) error
	// Write performs a write-without-response to the peer's characteristic
	// on a dialed link. A nil return means the frame was handed to the
	// local stack, not that the peer received it.
	Write(link LinkID, charUUID string, data []byte) error
	// Notify pushes data to the remote central subscribed to our local
	// characteristic, for links the peer dialed.
	Notify(link LinkID, charUUID string, data []byte) error

	// Close releases the radio.
	Close() error
}
