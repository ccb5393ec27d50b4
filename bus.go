package devicebus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Mode selects whether a Bus owns its own worker goroutines (Asynchronous)
// or is pumped externally by a BusManager (Synchronous).
type Mode int

const (
	Asynchronous Mode = iota
	Synchronous
)

const defaultMaxQueueSize = 1000

// BusConfig carries the options named in the external-interfaces contract.
// Zero values are valid and fall back to sensible defaults (see NewBus).
type BusConfig struct {
	Name                    string
	Mode                    Mode
	ActivateBusOnReception    bool
	StartPassive              bool
	MaxQueueSize              int
	SanityCheckInterval       time.Duration // 0 disables the sanity-check worker
	PriorityReceiveThread     int
	PriorityTransmitThread    int
	PrioritySanityCheckThread int
}

// SanityHook is invoked once per sanity-check tick. It must aggregate
// whatever device bookkeeping the owning dispatch layer (e.g. CanBus)
// performs, and report the two flags a Bus exposes to callers.
type SanityHook func() (allDevicesActive bool, missingOrError bool)

// Bus is the generic threaded runtime described by the core spec: a
// receive loop, a transmit loop draining a bounded FIFO queue under a
// mutex/condvar pair, and an optional sanity-check loop, all running over
// a pluggable Driver. CanBus specializes it with frame dispatch; Bus
// itself knows nothing about identifiers, devices, or CANopen.
type Bus struct {
	cfg    BusConfig
	driver Driver

	// onReceive is called synchronously on the receive goroutine for every
	// frame read from the driver. It must not block and must not call back
	// into SendMessage in a way that deadlocks; SendMessage's queue mutex
	// is independent of anything onReceive touches, so re-entry is safe.
	onReceive SanityHookTarget

	sanityHook SanityHook

	queueMu      sync.Mutex
	queue        []Frame
	condNotEmpty *sync.Cond
	condEmpty    *sync.Cond

	running          atomic.Bool
	passive          atomic.Bool
	allDevicesActive atomic.Bool
	missingOrError   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastOverflowLog time.Time
}

// SanityHookTarget is the frame-dispatch callback invoked by the receive
// loop. It is named separately from SanityHook only to keep the two
// constructor parameters self-documenting at call sites.
type SanityHookTarget func(Frame)

// NewBus constructs a Bus in the stopped state. onReceive dispatches a
// frame read from the driver (CanBus.handleMessage in the CAN
// specialization); sanityHook aggregates device liveness on each
// sanity-check tick. Either may be nil for a bus with no dispatch layer.
func NewBus(driver Driver, cfg BusConfig, onReceive SanityHookTarget, sanityHook SanityHook) *Bus {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	b := &Bus{
		cfg:        cfg,
		driver:     driver,
		onReceive:  onReceive,
		sanityHook: sanityHook,
	}
	b.condNotEmpty = sync.NewCond(&b.queueMu)
	b.condEmpty = sync.NewCond(&b.queueMu)
	b.passive.Store(cfg.StartPassive)
	b.allDevicesActive.Store(true)
	return b
}

// InitBus opens the driver and, in asynchronous mode, starts the three
// worker goroutines. Calling InitBus twice on a running bus is an error.
func (b *Bus) InitBus() error {
	if b.running.Load() {
		return ErrInvalidState
	}
	if err := b.driver.InitializeInterface(); err != nil {
		return err
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running.Store(true)

	if b.cfg.Mode != Asynchronous {
		return nil
	}

	b.wg.Add(2)
	go b.receiveLoop()
	go b.transmitLoop()
	if b.cfg.SanityCheckInterval > 0 {
		b.wg.Add(1)
		go b.sanityLoop()
	}
	return nil
}

// SendMessage enqueues a frame for transmission. If the queue is at
// capacity the frame is dropped and ErrTxOverflow is returned (the
// overflow warning is throttled to at most one log line per second).
func (b *Bus) SendMessage(frame Frame) error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) >= b.cfg.MaxQueueSize {
		if time.Since(b.lastOverflowLog) > time.Second {
			log.Warnf("[BUS][%s] output queue full (%d), dropping frames", b.cfg.Name, b.cfg.MaxQueueSize)
			b.lastOverflowLog = time.Now()
		}
		return ErrTxOverflow
	}
	b.queue = append(b.queue, frame)
	b.condNotEmpty.Signal()
	return nil
}

// Activate clears the passive flag; effective on the next transmit attempt.
func (b *Bus) Activate() { b.passive.Store(false) }

// Passivate sets the passive flag; subsequent writes are skipped and the
// queue drains with reported success.
func (b *Bus) Passivate() { b.passive.Store(true) }

func (b *Bus) Name() string                    { return b.cfg.Name }
func (b *Bus) IsAsynchronous() bool             { return b.cfg.Mode == Asynchronous }
func (b *Bus) IsPassive() bool                  { return b.passive.Load() }
func (b *Bus) IsMissingDeviceOrHasError() bool   { return b.missingOrError.Load() }
func (b *Bus) AllDevicesActive() bool           { return b.allDevicesActive.Load() }
func (b *Bus) IsRunning() bool                  { return b.running.Load() }

// QueueLen reports the current outgoing queue depth. Exposed for tests
// that need to assert invariants about the queue without racing on it.
func (b *Bus) QueueLen() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// StopThreads sets running to false and wakes both condition variables so
// the workers exit at their next check. If wait is true it blocks until
// all worker goroutines have returned. Frames still in the queue at stop
// time are discarded without transmission.
func (b *Bus) StopThreads(wait bool) {
	b.running.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	b.queueMu.Lock()
	b.condNotEmpty.Broadcast()
	b.condEmpty.Broadcast()
	b.queueMu.Unlock()
	if wait {
		b.wg.Wait()
	}
}

// WaitForEmptyQueue blocks until the outgoing queue is empty or the bus is
// no longer running. It returns ErrBusStopped if it woke up because the
// bus stopped while frames were still queued.
func (b *Bus) WaitForEmptyQueue() error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	for len(b.queue) != 0 && b.running.Load() {
		b.condEmpty.Wait()
	}
	if len(b.queue) != 0 {
		return ErrBusStopped
	}
	return nil
}

// DrainSynchronous performs a whole synchronous flush (BusManager's
// writeMessagesSynchronous, for this one bus) as a single critical
// section: it acquires the queue mutex, writes the head frame repeatedly
// until the queue is empty or a write fails, and releases. Unlike the
// source this is never exposed as "return holding the lock" — the full
// flush happens inside this call.
func (b *Bus) DrainSynchronous() error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	for len(b.queue) != 0 {
		if !b.writeHeadLocked() {
			return nil
		}
	}
	return nil
}

// ReadMessage performs one synchronous read-and-dispatch cycle. It is used
// directly by callers pumping a Synchronous-mode bus, and by the receive
// goroutine in Asynchronous mode.
func (b *Bus) ReadMessage() (bool, error) {
	frame, ok, err := b.driver.ReadFrame(b.ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if b.passive.Load() && b.cfg.ActivateBusOnReception {
		b.Activate()
	}
	if b.onReceive != nil {
		b.onReceive(frame)
	}
	return true, nil
}

// writeHeadLocked transmits the queue head with the queue mutex already
// held, matching writeMessage's internal contract. It pops the frame only
// if the driver reported success, or if the bus is passive (writes are
// skipped but still reported as successful).
func (b *Bus) writeHeadLocked() (wrote bool) {
	if len(b.queue) == 0 {
		return false
	}
	frame := b.queue[0]
	if !b.passive.Load() {
		if err := b.driver.WriteFrame(b.ctx, frame); err != nil {
			log.WithError(err).Debugf("[BUS][%s] write failed for 0x%x, will retry", b.cfg.Name, frame.ID)
			return false
		}
	}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.condEmpty.Broadcast()
	}
	return true
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	lockAndSetPriority("receive", b.cfg.PriorityReceiveThread)
	for b.running.Load() {
		if _, err := b.ReadMessage(); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			log.WithError(err).Debugf("[BUS][%s] read error", b.cfg.Name)
		}
	}
}

func (b *Bus) transmitLoop() {
	defer b.wg.Done()
	lockAndSetPriority("transmit", b.cfg.PriorityTransmitThread)
	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && b.running.Load() {
			b.condEmpty.Broadcast()
			b.condNotEmpty.Wait()
		}
		if !b.running.Load() {
			b.queueMu.Unlock()
			return
		}
		frame := b.queue[0]
		b.queueMu.Unlock()

		// The driver call happens outside the queue mutex: it may block for
		// as long as the transport requires, and producers must only ever
		// block on a short critical section (the append above, not this).
		var wrote bool
		if b.passive.Load() {
			wrote = true
		} else if err := b.driver.WriteFrame(b.ctx, frame); err != nil {
			log.WithError(err).Debugf("[BUS][%s] write failed for 0x%x, will retry", b.cfg.Name, frame.ID)
			wrote = false
		} else {
			wrote = true
		}

		b.queueMu.Lock()
		if wrote && len(b.queue) != 0 {
			b.queue = b.queue[1:]
		}
		if len(b.queue) == 0 {
			b.condEmpty.Broadcast()
		}
		b.queueMu.Unlock()
	}
}

func (b *Bus) sanityLoop() {
	defer b.wg.Done()
	lockAndSetPriority("sanity", b.cfg.PrioritySanityCheckThread)
	deadline := time.Now().Add(b.cfg.SanityCheckInterval)
	for b.running.Load() {
		sleep := time.Until(deadline)
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-timer.C:
			case <-b.ctx.Done():
				timer.Stop()
				return
			}
		}
		deadline = deadline.Add(b.cfg.SanityCheckInterval)
		if !b.running.Load() {
			return
		}
		if b.sanityHook != nil {
			allActive, missing := b.sanityHook()
			b.allDevicesActive.Store(allActive)
			b.missingOrError.Store(missing)
		}
	}
}
