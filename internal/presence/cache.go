// Package presence tracks which devices have been sighted recently. The
// cache drives the in-range computation for friends and the auto-connect
// decisions of the coordinator.
package presence

import (
	"time"

	"github.com/danbachar/grassroots/internal/ble"
)

const (
	// TTL is how long a sighting keeps a device in the cache.
	TTL = 10 * time.Minute

	// SweepInterval is how often the coordinator purges expired entries.
	SweepInterval = time.Minute
)

// CachedDevice is one device currently in the cache.
type CachedDevice struct {
	Adv      ble.Advertisement
	LastSeen time.Time
}

// Cache is the device-presence cache. It is owned by the coordinator and
// only touched from its event loop, so it carries no lock.
type Cache struct {
	now     func() time.Time
	ttl     time.Duration
	devices map[string]*CachedDevice // keyed by per-scan device id
}

// NewCache creates a cache with the protocol TTL. now may be nil for the
// wall clock.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		now:     now,
		ttl:     TTL,
		devices: make(map[string]*CachedDevice),
	}
}

// Observe records or refreshes a sighting. It reports whether the device
// was absent from the cache before this sighting, which is the trigger for
// auto-connect checks.
func (c *Cache) Observe(adv ble.Advertisement) bool {
	d, ok := c.devices[adv.DeviceID]
	if ok {
		d.Adv = adv
		d.LastSeen = c.now()
		return false
	}
	c.devices[adv.DeviceID] = &CachedDevice{Adv: adv, LastSeen: c.now()}
	return true
}

// Forget drops a device regardless of its age.
func (c *Cache) Forget(deviceID string) {
	delete(c.devices, deviceID)
}

// Contains reports whether the device is currently cached.
func (c *Cache) Contains(deviceID string) bool {
	_, ok := c.devices[deviceID]
	return ok
}

// Sweep purges entries older than the TTL and returns them, so the caller
// can recompute in-range state for the friends they advertised.
func (c *Cache) Sweep() []CachedDevice {
	cutoff := c.now().Add(-c.ttl)
	var expired []CachedDevice
	for id, d := range c.devices {
		if d.LastSeen.Before(cutoff) {
			expired = append(expired, *d)
			delete(c.devices, id)
		}
	}
	return expired
}

// DeviceFor returns the freshest cached device advertising the given
// service UUID.
func (c *Cache) DeviceFor(serviceUUID string) (CachedDevice, bool) {
	var best *CachedDevice
	for _, d := range c.devices {
		if !advertises(d.Adv, serviceUUID) {
			continue
		}
		if best == nil || d.LastSeen.After(best.LastSeen) {
			best = d
		}
	}
	if best == nil {
		return CachedDevice{}, false
	}
	return *best, true
}

// InRange reports whether any live cache entry advertises the service UUID.
func (c *Cache) InRange(serviceUUID string) bool {
	_, ok := c.DeviceFor(serviceUUID)
	return ok
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	return len(c.devices)
}

func advertises(adv ble.Advertisement, serviceUUID string) bool {
	for _, s := range adv.ServiceUUIDs {
		if s == serviceUUID {
			return true
		}
	}
	return false
}
