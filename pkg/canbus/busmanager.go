package canbus

import log "github.com/sirupsen/logrus"

// BusManager is a registry of buses: it coordinates cross-bus synchronous
// flushing and global SYNC broadcasting, and owns the buses it is handed.
type BusManager struct {
	buses []*CanBus
}

// NewBusManager constructs an empty BusManager.
func NewBusManager() *BusManager {
	return &BusManager{}
}

// AddBus transfers ownership of bus to the manager and initializes it.
func (m *BusManager) AddBus(bus *CanBus) error {
	if err := bus.InitBus(); err != nil {
		return err
	}
	m.buses = append(m.buses, bus)
	return nil
}

// SendSyncOnAllBuses enqueues a SYNC frame on every managed bus.
// CanBus.SendMessage already takes the per-bus queue mutex for its whole
// critical section, so there is no window where this interleaves with a
// concurrent producer on any one bus; no extra "without lock" variant is
// needed the way the source needs one.
func (m *BusManager) SendSyncOnAllBuses() {
	for _, bus := range m.buses {
		if err := bus.SendSync(); err != nil {
			log.WithError(err).Warnf("[BUSMANAGER] failed to queue SYNC on bus %q", bus.Name())
		}
	}
}

// WriteMessagesSynchronous drains every synchronous-mode bus's queue.
// Asynchronous buses already have their own transmit goroutine and are
// skipped here.
func (m *BusManager) WriteMessagesSynchronous() {
	for _, bus := range m.buses {
		if bus.IsAsynchronous() {
			continue
		}
		if err := bus.DrainSynchronous(); err != nil {
			log.WithError(err).Warnf("[BUSMANAGER] synchronous drain failed on bus %q", bus.Name())
		}
	}
}

// ReadMessagesSynchronous pumps one read on every synchronous-mode bus.
func (m *BusManager) ReadMessagesSynchronous() {
	for _, bus := range m.buses {
		if bus.IsAsynchronous() {
			continue
		}
		if _, err := bus.ReadMessage(); err != nil {
			log.WithError(err).Debugf("[BUSMANAGER] synchronous read failed on bus %q", bus.Name())
		}
	}
}

// CloseBuses stops every managed bus's threads before the manager itself
// is discarded. Buses are stopped, and therefore stop invoking device
// callbacks, before any caller-owned objects referenced by those callbacks
// are torn down.
func (m *BusManager) CloseBuses() {
	for _, bus := range m.buses {
		bus.StopThreads(true)
	}
	m.buses = nil
}
