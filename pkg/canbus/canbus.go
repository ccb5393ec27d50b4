// Package canbus specializes devicebus.Bus with identifier/mask frame
// dispatch: a routing table from incoming CAN identifiers to per-device
// parse callbacks, an unmapped-message fallback, and aggregate device
// liveness bookkeeping driven by dispatch events.
package canbus

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/simonkerscher/tcan"
)

// SyncID is the well-known CANopen SYNC identifier.
const SyncID uint32 = 0x080

// Matcher is a (identifier, mask) pair. It matches an incoming frame F iff
// (F.ID & Mask) == Identifier. Two matchers are equal iff both fields are
// equal, which makes Matcher directly usable as a Go map key; the
// dispatch table is kept as a slice regardless, because multiple distinct
// matchers may legitimately match the same frame and every match must run
// (see handleMessage).
type Matcher struct {
	Identifier uint32
	Mask       uint32
}

// Matches reports whether the matcher selects frame id.
func (m Matcher) Matches(id uint32) bool {
	return id&m.Mask == m.Identifier
}

// Device is the capability set a bus dispatch slot can bind to: enough to
// identify the device, reset its liveness timeout on a successful
// dispatch, and run it through a periodic sanity check. CanOpenDevice
// (pkg/canopen) composes this with NMT/SDO/heartbeat behavior; a device
// that needs none of that can implement Device directly.
type Device interface {
	NodeID() uint8
	Name() string

	// InitDevice is called once when the device is attached to a bus via
	// AddDevice. bus is a send handle, not a back-pointer the device owns;
	// a Device must not retain it beyond the lifetime of the Bus.
	InitDevice(bus *CanBus) error

	// SanityCheck runs on every sanity-check tick. It reports false once
	// the device's timeout counter exceeds its configured limit.
	SanityCheck() bool

	// ResetTimeout is called by the dispatch table whenever a frame bound
	// to this device is routed.
	ResetTimeout()

	// Reset restores the device to its initial, freshly-attached state.
	// CanBus.ResetAllDevices calls this on every attached device.
	Reset() error
}

// BaseDevice provides the default node-id/name/timeout bookkeeping spec.md
// assigns to the generic Device base. Protocol state machines embed it.
type BaseDevice struct {
	nodeID uint8
	name   string

	maxTimeoutCounter uint32 // 0 disables the check
	timeoutCounter    uint32
	mu                sync.Mutex
}

// NewBaseDevice constructs a BaseDevice. maxTimeoutCounter of 0 disables
// the liveness check (SanityCheck always reports true).
func NewBaseDevice(nodeID uint8, name string, maxTimeoutCounter uint32) BaseDevice {
	return BaseDevice{nodeID: nodeID, name: name, maxTimeoutCounter: maxTimeoutCounter}
}

func (d *BaseDevice) NodeID() uint8 { return d.nodeID }
func (d *BaseDevice) Name() string  { return d.name }

// ResetTimeout clears the timeout counter; called by the dispatch table
// whenever a frame bound to this device is routed.
func (d *BaseDevice) ResetTimeout() {
	d.mu.Lock()
	d.timeoutCounter = 0
	d.mu.Unlock()
}

// SanityCheck increments the timeout counter and reports false once it
// exceeds maxTimeoutCounter. A maxTimeoutCounter of 0 disables the check.
func (d *BaseDevice) SanityCheck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxTimeoutCounter == 0 {
		return true
	}
	d.timeoutCounter++
	return d.timeoutCounter <= d.maxTimeoutCounter
}

// Reset is a no-op by default; protocol state machines override it.
func (d *BaseDevice) Reset() error { return nil }

type dispatchSlot struct {
	matcher  Matcher
	device   Device
	callback func(devicebus.Frame)
}

// UnmappedMessageCallback is invoked for a frame that matched no
// registered slot.
type UnmappedMessageCallback func(devicebus.Frame)

// CanBus specializes devicebus.Bus with CAN-style identifier/mask frame
// dispatch. It owns the devices attached to it and the generic Bus
// runtime underneath it.
type CanBus struct {
	*devicebus.Bus

	mu       sync.RWMutex
	slots    []dispatchSlot
	devices  []Device
	unmapped UnmappedMessageCallback
}

// NewCanBus constructs a CanBus over driver, wiring the generic Bus's
// receive and sanity hooks to this bus's dispatch table and device
// bookkeeping.
func NewCanBus(driver devicebus.Driver, cfg devicebus.BusConfig) *CanBus {
	cb := &CanBus{}
	cb.Bus = devicebus.NewBus(driver, cfg, cb.handleMessage, cb.sanityCheck)
	return cb
}

// AddDevice attaches device to the bus, transferring ownership, and calls
// its InitDevice hook with a send handle to this bus.
func (c *CanBus) AddDevice(device Device) error {
	if err := device.InitDevice(c); err != nil {
		return err
	}
	c.mu.Lock()
	c.devices = append(c.devices, device)
	c.mu.Unlock()
	return nil
}

// AddCanMessage registers a dispatch slot for matcher. device may be nil
// when the callback is not owned by an attached Device (no timeout
// counter is reset on match). It returns ErrAlreadyExists if an identical
// matcher is already registered.
func (c *CanBus) AddCanMessage(matcher Matcher, device Device, callback func(devicebus.Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.matcher == matcher {
			return devicebus.ErrAlreadyExists
		}
	}
	c.slots = append(c.slots, dispatchSlot{matcher: matcher, device: device, callback: callback})
	return nil
}

// SetUnmappedMessageCallback sets the fallback invoked for frames that
// match no dispatch slot. It takes the same lock as dispatch, resolving
// the unsynchronized-mutation hazard noted against the original source.
func (c *CanBus) SetUnmappedMessageCallback(cb UnmappedMessageCallback) {
	c.mu.Lock()
	c.unmapped = cb
	c.mu.Unlock()
}

// handleMessage is the Bus receive-loop hook: it dispatches frame to every
// matching slot (there may legitimately be more than one, per matcher
// registration order) and resets the timeout of any bound device, or
// falls back to the unmapped-message callback if nothing matched.
func (c *CanBus) handleMessage(frame devicebus.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	matched := false
	for _, slot := range c.slots {
		if !slot.matcher.Matches(frame.ID) {
			continue
		}
		matched = true
		if slot.device != nil {
			slot.device.ResetTimeout()
		}
		if slot.callback != nil {
			slot.callback(frame)
		}
	}
	if matched {
		return
	}
	if c.unmapped != nil {
		c.unmapped(frame)
		return
	}
	c.defaultHandleUnmappedMessage(frame)
}

func (c *CanBus) defaultHandleUnmappedMessage(frame devicebus.Frame) {
	log.Debugf("[CANBUS] no dispatch slot for frame 0x%x", frame.ID)
}

// SendSync enqueues a zero-length SYNC frame (identifier 0x080).
func (c *CanBus) SendSync() error {
	return c.SendMessage(devicebus.NewFrame(SyncID))
}

// sanityCheck is the Bus sanity-check hook: it runs SanityCheck on every
// attached device and aggregates the two liveness flags the Bus exposes.
func (c *CanBus) sanityCheck() (allDevicesActive bool, missingOrError bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allActive := true
	anyMissing := false
	for _, d := range c.devices {
		if !d.SanityCheck() {
			allActive = false
			anyMissing = true
			log.Warnf("[CANBUS] device %s (node %d) is missing", d.Name(), d.NodeID())
		}
	}
	return allActive, anyMissing
}

// ResetAllDevices sets every attached device back to its initial state.
func (c *CanBus) ResetAllDevices() {
	c.mu.RLock()
	devices := make([]Device, len(c.devices))
	copy(devices, c.devices)
	c.mu.RUnlock()

	for _, d := range devices {
		if err := d.Reset(); err != nil {
			log.WithError(err).Warnf("[CANBUS] reset failed for device %s (node %d)", d.Name(), d.NodeID())
		}
	}
}
