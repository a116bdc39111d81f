package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/danbachar/grassroots/internal/ble"
)

// frame is one recorded link write or notification.
type frame struct {
	link ble.LinkID
	char string
	data []byte
}

// mockTransport records every transport call and lets tests drive the
// inbound event streams.
type mockTransport struct {
	mu      sync.Mutex
	handler ble.Handler

	enabled     bool
	scanning    bool
	advertising bool
	advService  string
	advName     string

	// connectFn resolves test-driven dials; nil fails every dial.
	connectFn func(deviceID string) (ble.LinkID, error)

	writes        []frame
	notifies      []frame
	discovered    map[ble.LinkID]string
	subscriptions map[ble.LinkID][]string
	disconnected  []ble.LinkID
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		discovered:    make(map[ble.LinkID]string),
		subscriptions: make(map[ble.LinkID][]string),
	}
}

func (m *mockTransport) SetHandler(h ble.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockTransport) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
	return nil
}

func (m *mockTransport) StartScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = true
	return nil
}

func (m *mockTransport) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	return nil
}

func (m *mockTransport) Advertise(serviceUUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertising = true
	m.advService = serviceUUID
	m.advName = name
	return nil
}

func (m *mockTransport) StopAdvertise() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertising = false
	return nil
}

func (m *mockTransport) Connect(ctx context.Context, deviceID string) (ble.LinkID, error) {
	m.mu.Lock()
	fn := m.connectFn
	m.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("mock: no route to %s", deviceID)
	}
	return fn(deviceID)
}

func (m *mockTransport) Disconnect(link ble.LinkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, link)
	return nil
}

func (m *mockTransport) DiscoverServices(link ble.LinkID, serviceUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovered[link] = serviceUUID
	return nil
}

func (m *mockTransport) Subscribe(link ble.LinkID, charUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[link] = append(m.subscriptions[link], charUUID)
	return nil
}

func (m *mockTransport) Write(link ble.LinkID, charUUID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, frame{link: link, char: charUUID, data: cp})
	return nil
}

func (m *mockTransport) Notify(link ble.LinkID, charUUID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.notifies = append(m.notifies, frame{link: link, char: charUUID, data: cp})
	return nil
}

func (m *mockTransport) Close() error { return nil }

// setConnectFn installs the dial resolver.
func (m *mockTransport) setConnectFn(fn func(deviceID string) (ble.LinkID, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFn = fn
}

func (m *mockTransport) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *mockTransport) notifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifies)
}

func (m *mockTransport) writeFrames() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame(nil), m.writes...)
}

func (m *mockTransport) notifyFrames() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame(nil), m.notifies...)
}

func (m *mockTransport) isAdvertising() (bool, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising, m.advService, m.advName
}

func (m *mockTransport) subscribedChars(link ble.LinkID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscriptions[link]...)
}
