// Package canopen implements the CANopen device state machine layered on
// top of pkg/canbus's generic dispatch: NMT state tracking, heartbeat
// parsing, and an SDO outstanding-request queue with retry-on-timeout.
package canopen

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	tcan "github.com/simonkerscher/tcan"
	"github.com/simonkerscher/tcan/pkg/canbus"
)

// DeviceOptions configures a CanOpenDevice, per the external-interfaces
// contract (spec.md §6): device identity, the generic liveness timeout,
// and the CANopen-specific SDO retry and heartbeat-producer parameters.
type DeviceOptions struct {
	NodeID                  uint8
	Name                    string
	MaxDeviceTimeoutCounter uint32 // 0 disables
	MaxSdoTimeoutCounter    uint32 // 0 disables SDO retry
	MaxSdoSentCounter       uint32
	ProducerHeartbeatTimeMs uint32 // 0 disables heartbeat-based state tracking
}

// CanOpenDevice specializes canbus.BaseDevice (node id / name / liveness
// timeout) with composition, not inheritance: it adds its own NMT state
// and SDO queue rather than deriving from a Device base class.
type CanOpenDevice struct {
	canbus.BaseDevice

	opts DeviceOptions
	bus  *canbus.CanBus // non-owning send handle, set by InitDevice

	mu            sync.Mutex
	nmtState      NMTState
	onStateChange func(NMTState)

	sdoMu           sync.Mutex
	sdoQueue        []SDORequest
	sdoSendAttempts uint32
	sdoTimeoutTicks uint32

	// HandleReadSDOAnswer, if set, is invoked with the 4-octet expedited
	// payload of a successful read response.
	HandleReadSDOAnswer func(index uint16, subIndex uint8, data [4]byte)
}

// NewCanOpenDevice constructs a device in the initial "initializing" NMT
// state.
func NewCanOpenDevice(opts DeviceOptions) *CanOpenDevice {
	return &CanOpenDevice{
		BaseDevice: canbus.NewBaseDevice(opts.NodeID, opts.Name, opts.MaxDeviceTimeoutCounter),
		opts:       opts,
		nmtState:   Initializing,
	}
}

// InitDevice stores the non-owning send handle to bus and registers the
// heartbeat and SDO-response dispatch slots this device owns. A
// CanOpenDevice must not retain bus beyond its lifetime.
func (d *CanOpenDevice) InitDevice(bus *canbus.CanBus) error {
	d.bus = bus

	hbMatcher := canbus.Matcher{Identifier: d.HeartbeatID(), Mask: 0x7FF}
	if err := bus.AddCanMessage(hbMatcher, d, d.parseHeartBeat); err != nil {
		return err
	}

	sdoMatcher := canbus.Matcher{Identifier: sdoTxOffset + uint32(d.NodeID()), Mask: 0x7FF}
	return bus.AddCanMessage(sdoMatcher, d, d.parseSDOAnswer)
}

// NMTState returns the device's last known NMT state.
func (d *CanOpenDevice) NMTState() NMTState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nmtState
}

// OnNMTStateChange registers a callback fired exactly once per observed
// state transition (edge-triggered), not on every heartbeat. Not part of
// the core dispatch contract; a convenience for control-loop callers that
// need transition notifications rather than level-triggered polling.
func (d *CanOpenDevice) OnNMTStateChange(cb func(NMTState)) {
	d.mu.Lock()
	d.onStateChange = cb
	d.mu.Unlock()
}

func (d *CanOpenDevice) setNMTState(state NMTState) {
	d.mu.Lock()
	prev := d.nmtState
	d.nmtState = state
	cb := d.onStateChange
	d.mu.Unlock()
	if cb != nil && prev != state {
		cb(state)
	}
}

// Reset clears the SDO queue and returns the device to its initial state,
// satisfying canbus.Device.Reset (invoked by CanBus.ResetAllDevices).
func (d *CanOpenDevice) Reset() error {
	d.clearSDOQueue()
	d.setNMTState(Initializing)
	return d.sendNMTCommand(nmtCommandResetNode)
}

// --- heartbeat parsing -----------------------------------------------

// HeartbeatID is the identifier this device's heartbeat is received on.
func (d *CanOpenDevice) HeartbeatID() uint32 { return 0x700 + uint32(d.NodeID()) }

// parseHeartBeat extracts the NMT state from the first payload octet.
// Unrecognized octets are treated as no-change, per spec.md §4.3. It does
// not reset the device's liveness timeout itself; the dispatch slot this
// is registered under does that (it is tied to the device).
func (d *CanOpenDevice) parseHeartBeat(frame tcan.Frame) {
	if frame.DLC < 1 {
		return
	}
	switch NMTState(frame.Data[0]) {
	case Initializing, Stopped, Operational, PreOperational:
		d.setNMTState(NMTState(frame.Data[0]))
	}
}

// --- SDO outstanding-request queue -------------------------------------

// sendSDO appends req to the per-device SDO queue. If the queue was
// empty, req is transmitted immediately and the send-attempts counter is
// set to 1; at most one SDO is outstanding at a time.
func (d *CanOpenDevice) sendSDO(req SDORequest) error {
	d.sdoMu.Lock()
	defer d.sdoMu.Unlock()
	wasEmpty := len(d.sdoQueue) == 0
	d.sdoQueue = append(d.sdoQueue, req)
	if wasEmpty {
		d.sdoSendAttempts = 1
		d.sdoTimeoutTicks = 0
		return d.transmitSDOLocked(req)
	}
	return nil
}

func (d *CanOpenDevice) transmitSDOLocked(req SDORequest) error {
	frame := req.Frame
	frame.ID = sdoRxOffset + uint32(d.NodeID())
	return d.bus.SendMessage(frame)
}

// parseSDOAnswer matches frame against the queue head's (index, subIndex).
// On a match the head is popped, counters reset, and a read response
// invokes HandleReadSDOAnswer; a new head, if any, is transmitted.
func (d *CanOpenDevice) parseSDOAnswer(frame tcan.Frame) {
	d.sdoMu.Lock()
	defer d.sdoMu.Unlock()
	if len(d.sdoQueue) == 0 {
		return
	}
	head := d.sdoQueue[0]
	index, subIndex := sdoResponseIndex(frame)
	if index != head.Index || subIndex != head.SubIndex {
		return
	}
	d.sdoQueue = d.sdoQueue[1:]
	d.sdoSendAttempts = 0
	d.sdoTimeoutTicks = 0

	if head.IsRead && isSDOUploadResponse(frame) && d.HandleReadSDOAnswer != nil {
		var data [4]byte
		copy(data[:], frame.Data[4:8])
		d.HandleReadSDOAnswer(head.Index, head.SubIndex, data)
	}

	if len(d.sdoQueue) > 0 {
		next := d.sdoQueue[0]
		d.sdoSendAttempts = 1
		if err := d.transmitSDOLocked(next); err != nil {
			log.WithError(err).Warnf("[CANOPEN][%d] failed to transmit next queued SDO", d.NodeID())
		}
	}
}

// checkSdoTimeout is invoked on every sanity pass. It reports false only
// on the tick where the outstanding SDO is given up on (after
// maxSdoSentCounter transmissions with no matching response).
func (d *CanOpenDevice) checkSdoTimeout() bool {
	d.sdoMu.Lock()
	defer d.sdoMu.Unlock()
	if len(d.sdoQueue) == 0 || d.opts.MaxSdoTimeoutCounter == 0 {
		return true
	}
	d.sdoTimeoutTicks++
	if d.sdoTimeoutTicks < d.opts.MaxSdoTimeoutCounter {
		return true
	}
	d.sdoTimeoutTicks = 0

	head := d.sdoQueue[0]
	if d.sdoSendAttempts < d.opts.MaxSdoSentCounter {
		d.sdoSendAttempts++
		if err := d.transmitSDOLocked(head); err != nil {
			log.WithError(err).Warnf("[CANOPEN][%d] SDO retransmit failed", d.NodeID())
		}
		return true
	}

	log.Warnf("[CANOPEN][%d] SDO %04x:%02x lost after %d attempts", d.NodeID(), head.Index, head.SubIndex, d.sdoSendAttempts)
	d.sdoQueue = d.sdoQueue[1:]
	d.sdoSendAttempts = 0
	if len(d.sdoQueue) > 0 {
		d.sdoSendAttempts = 1
		if err := d.transmitSDOLocked(d.sdoQueue[0]); err != nil {
			log.WithError(err).Warnf("[CANOPEN][%d] failed to transmit next queued SDO", d.NodeID())
		}
	}
	return false
}

func (d *CanOpenDevice) clearSDOQueue() {
	d.sdoMu.Lock()
	d.sdoQueue = nil
	d.sdoSendAttempts = 0
	d.sdoTimeoutTicks = 0
	d.sdoMu.Unlock()
}

// --- NMT command emitters ----------------------------------------------

func (d *CanOpenDevice) sendNMTCommand(command uint8) error {
	frame := tcan.NewFrame(canopenNMTIdentifier(), command, d.NodeID())
	return d.bus.SendMessage(frame)
}

func canopenNMTIdentifier() uint32 { return NMTIdentifier }

// EnterPreOperational clears the SDO queue and sets the local NMT state to
// initializing atomically with sending the command; if the heartbeat
// producer is disabled (no authoritative heartbeat will ever confirm the
// transition), the state is optimistically promoted to pre-operational
// immediately afterward.
func (d *CanOpenDevice) EnterPreOperational() error {
	d.clearSDOQueue()
	d.setNMTState(Initializing)
	if err := d.sendNMTCommand(nmtCommandEnterPreOperational); err != nil {
		return err
	}
	if d.opts.ProducerHeartbeatTimeMs == 0 {
		d.setNMTState(PreOperational)
	}
	return nil
}

// StartRemoteDevice sends the NMT start command. The local state is only
// updated here if the heartbeat producer is disabled; otherwise the
// device's own heartbeat is the authoritative source.
func (d *CanOpenDevice) StartRemoteDevice() error {
	if err := d.sendNMTCommand(nmtCommandStart); err != nil {
		return err
	}
	if d.opts.ProducerHeartbeatTimeMs == 0 {
		d.setNMTState(Operational)
	}
	return nil
}

// StopRemoteDevice sends the NMT stop command, with the same
// heartbeat-gated local update as StartRemoteDevice.
func (d *CanOpenDevice) StopRemoteDevice() error {
	if err := d.sendNMTCommand(nmtCommandStop); err != nil {
		return err
	}
	if d.opts.ProducerHeartbeatTimeMs == 0 {
		d.setNMTState(Stopped)
	}
	return nil
}

// ResetCommunication clears the SDO queue and sets the local NMT state to
// initializing atomically with sending the command.
func (d *CanOpenDevice) ResetCommunication() error {
	d.clearSDOQueue()
	d.setNMTState(Initializing)
	return d.sendNMTCommand(nmtCommandResetCommunication)
}

// RestartRemoteDevice clears the SDO queue and sets the local NMT state to
// initializing atomically with sending the command.
func (d *CanOpenDevice) RestartRemoteDevice() error {
	d.clearSDOQueue()
	d.setNMTState(Initializing)
	return d.sendNMTCommand(nmtCommandResetNode)
}

// --- sanity check --------------------------------------------------------

// SanityCheck overrides canbus.BaseDevice.SanityCheck: it folds in the SDO
// retry-or-give-up check so either a plain liveness timeout or an SDO
// given up as lost marks the device missing-or-error for this tick.
func (d *CanOpenDevice) SanityCheck() bool {
	livenessOK := d.BaseDevice.SanityCheck()
	if !livenessOK {
		d.setNMTState(Missing)
	}
	sdoOK := d.checkSdoTimeout()
	return livenessOK && sdoOK
}

// --- heartbeat producer --------------------------------------------------

// StartHeartbeatProducer starts a goroutine that periodically transmits
// this device's own heartbeat frame (identifier 0x700+nodeId, payload the
// current NMT state), every ProducerHeartbeatTimeMs. A real field-bus
// deployment has both master and device-side nodes, and the
// ProducerHeartbeatTimeMs option already implies a local producer exists;
// grounded in the teacher's NMT heartbeat timer. It is a no-op returning a
// no-op stop function if heartbeat production is disabled.
func (d *CanOpenDevice) StartHeartbeatProducer() (stop func()) {
	if d.opts.ProducerHeartbeatTimeMs == 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(d.opts.ProducerHeartbeatTimeMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				frame := tcan.NewFrame(d.HeartbeatID(), uint8(d.NMTState()))
				if err := d.bus.SendMessage(frame); err != nil {
					log.WithError(err).Warnf("[CANOPEN][%d] heartbeat send failed", d.NodeID())
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
