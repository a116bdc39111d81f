package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoTransport implements Transport on tinygo.org/x/bluetooth, driving
// both roles through the platform default adapter.
type TinygoTransport struct {
	adapter *bluetooth.Adapter
	handler Handler

	mu       sync.Mutex
	centrals map[LinkID]*centralLink // links we dialed, keyed by device address
	known    []string                // service UUIDs worth reporting from scans
	scanning bool

	// Peripheral-role state: our GATT service and its characteristic
	// handles, plus the advertisement.
	localChars map[string]*bluetooth.Characteristic
	adv        *bluetooth.Advertisement
}

type centralLink struct {
	device bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic
}

// NewTinygoTransport creates a transport on the platform default adapter.
func NewTinygoTransport() *TinygoTransport {
	return &TinygoTransport{
		adapter:    bluetooth.DefaultAdapter,
		centrals:   make(map[LinkID]*centralLink),
		localChars: make(map[string]*bluetooth.Characteristic),
	}
}

// Compile-time check that TinygoTransport implements Transport.
var _ Transport = (*TinygoTransport)(nil)

func (t *TinygoTransport) SetHandler(h Handler) {
	t.handler = h
}

// SetKnownServices supplies the service UUIDs the scanner should check
// sightings against. tinygo exposes advertisement payloads as membership
// queries, not as a UUID list, so matches against this set are how known
// services end up in Advertisement.ServiceUUIDs.
func (t *TinygoTransport) SetKnownServices(uuids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known = append([]string(nil), uuids...)
}

func (t *TinygoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The adapter-level handler is the only disconnect signal tinygo
	// exposes for dialed links.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		link := LinkID(device.Address.String())
		t.mu.Lock()
		_, dialed := t.centrals[link]
		if !connected && dialed {
			delete(t.centrals, link)
		}
		t.mu.Unlock()
		if dialed && t.handler != nil {
			t.handler.ConnectionChanged(link, RoleCentral, connected)
		}
	})

	return nil
}

func (t *TinygoTransport) StartScan() error {
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	known := append([]string(nil), t.known...)
	t.mu.Unlock()

	// adapter.Scan blocks until StopScan, so it runs on its own goroutine.
	go func() {
		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv := Advertisement{
				DeviceID: result.Address.String(),
				Name:     result.LocalName(),
				RSSI:     int(result.RSSI),
			}
			for _, s := range known {
				if u, err := bluetooth.ParseUUID(s); err == nil && result.HasServiceUUID(u) {
					adv.ServiceUUIDs = append(adv.ServiceUUIDs, s)
				}
			}
			for _, sd := range result.ServiceData() {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, sd.UUID.String())
			}
			if t.handler != nil {
				t.handler.DeviceDiscovered(adv)
			}
		})
		if err != nil {
			slog.Warn("[ble] scan ended", "error", err)
		}
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
	}()
	return nil
}

func (t *TinygoTransport) StopScan() error {
	return t.adapter.StopScan()
}

// Advertise registers our GATT service (three write characteristics) and
// starts advertising it. name may be empty when privacy hides it.
func (t *TinygoTransport) Advertise(serviceUUID, name string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	t.mu.Lock()
	registered := len(t.localChars) > 0
	t.mu.Unlock()

	if !registered {
		if err := t.registerService(svcUUID); err != nil {
			return err
		}
	}

	adv := t.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}

	t.mu.Lock()
	t.adv = adv
	t.mu.Unlock()
	return nil
}

func (t *TinygoTransport) registerService(svcUUID bluetooth.UUID) error {
	charUUIDs := []string{FriendRequestCharUUID, FriendResponseCharUUID, MessageCharUUID}

	var configs []bluetooth.CharacteristicConfig
	handles := make([]*bluetooth.Characteristic, len(charUUIDs))
	for i, s := range charUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		handles[i] = &bluetooth.Characteristic{}
		charUUID := s
		configs = append(configs, bluetooth.CharacteristicConfig{
			Handle: handles[i],
			UUID:   u,
			Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				if t.handler == nil {
					return
				}
				data := make([]byte, len(value))
				copy(data, value)
				t.handler.DataReceived(inboundLink(client), charUUID, data)
			},
		})
	}

	if err := t.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: configs,
	}); err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	t.mu.Lock()
	for i, s := range charUUIDs {
		t.localChars[s] = handles[i]
	}
	t.mu.Unlock()
	return nil
}

// inboundLink names a link opened by a remote central. The namespace is
// deliberately distinct from dialed-link ids.
func inboundLink(client bluetooth.Connection) LinkID {
	return LinkID(fmt.Sprintf("central#%d", client))
}

func (t *TinygoTransport) StopAdvertise() error {
	t.mu.Lock()
	adv := t.adv
	t.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}

func (t *TinygoTransport) Connect(ctx context.Context, deviceID string) (LinkID, error) {
	var addr bluetooth.Address
	addr.Set(deviceID)

	// tinygo's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns promptly even when the dial cannot be aborted.
	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("ble: connect to %s: %w", deviceID, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("ble: connect to %s: %w", deviceID, r.err)
		}
		link := LinkID(r.device.Address.String())
		t.mu.Lock()
		t.centrals[link] = &centralLink{
			device: r.device,
			chars:  make(map[string]bluetooth.DeviceCharacteristic),
		}
		t.mu.Unlock()
		return link, nil
	}
}

func (t *TinygoTransport) Disconnect(link LinkID) error {
	t.mu.Lock()
	c, ok := t.centrals[link]
	delete(t.centrals, link)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: unknown link %s", link)
	}
	return c.device.Disconnect()
}

func (t *TinygoTransport) DiscoverServices(link LinkID, serviceUUID string) error {
	t.mu.Lock()
	c, ok := t.centrals[link]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: unknown link %s", link)
	}

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("ble: service %s not found on %s", serviceUUID, link)
	}

	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("ble: discover characteristics: %w", err)
	}
	t.mu.Lock()
	for _, ch := range chars {
		c.chars[ch.UUID().String()] = ch
	}
	t.mu.Unlock()
	return nil
}

func (t *TinygoTransport) Subscribe(link LinkID, charUUID string) error {
	ch, err := t.centralChar(link, charUUID)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(func(buf []byte) {
		if t.handler == nil {
			return
		}
		data := make([]byte, len(buf))
		copy(data, buf)
		t.handler.DataReceived(link, charUUID, data)
	})
}

func (t *TinygoTransport) Write(link LinkID, charUUID string, data []byte) error {
	ch, err := t.centralChar(link, charUUID)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %s on %s: %w", charUUID, link, err)
	}
	return nil
}

func (t *TinygoTransport) Notify(link LinkID, charUUID string, data []byte) error {
	t.mu.Lock()
	ch, ok := t.localChars[charUUID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not registered", charUUID)
	}
	if _, err := ch.Write(data); err != nil {
		return fmt.Errorf("ble: notify %s: %w", charUUID, err)
	}
	return nil
}

func (t *TinygoTransport) centralChar(link LinkID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.centrals[link]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: unknown link %s", link)
	}
	ch, ok := c.chars[charUUID]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered on %s", charUUID, link)
	}
	return ch, nil
}

func (t *TinygoTransport) Close() error {
	t.mu.Lock()
	links := make([]*centralLink, 0, len(t.centrals))
	for _, c := range t.centrals {
		links = append(links, c)
	}
	t.centrals = make(map[LinkID]*centralLink)
	t.mu.Unlock()

	for _, c := range links {
		_ = c.device.Disconnect()
	}
	return t.StopAdvertise()
}
