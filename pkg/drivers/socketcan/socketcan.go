// Package socketcan implements a devicebus.Driver over a real Linux
// SocketCAN interface, built on github.com/brutella/can. The underlying
// library is callback-driven (it runs its own read loop and pushes
// frames to a subscriber); this adapts that into the pull-style ReadFrame
// the generic Bus expects, buffering received frames on a channel.
package socketcan

import (
	"context"
	"time"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	tcan "github.com/simonkerscher/tcan"
)

const receiveBufferSize = 256
const pollInterval = 100 * time.Millisecond

// Driver is a SocketCAN devicebus.Driver bound to one network interface
// (e.g. "can0", "vcan0").
type Driver struct {
	ifaceName string
	bus       *can.Bus
	frames    chan can.Frame
	runErr    chan error
}

// New constructs a Driver for the named SocketCAN interface. Call
// InitializeInterface to actually open it.
func New(ifaceName string) *Driver {
	return &Driver{
		ifaceName: ifaceName,
		frames:    make(chan can.Frame, receiveBufferSize),
		runErr:    make(chan error, 1),
	}
}

// InitializeInterface opens the SocketCAN interface and starts the
// library's own receive loop in the background, feeding this driver's
// buffered channel.
func (d *Driver) InitializeInterface() error {
	bus, err := can.NewBusForInterfaceWithName(d.ifaceName)
	if err != nil {
		return err
	}
	d.bus = bus
	bus.SubscribeFunc(func(frame can.Frame) {
		select {
		case d.frames <- frame:
		default:
			log.Warnf("[SOCKETCAN][%s] receive buffer full, dropping frame 0x%x", d.ifaceName, frame.ID)
		}
	})
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			d.runErr <- err
		}
	}()
	return nil
}

// ReadFrame returns the next buffered frame, or ok=false after a short
// poll interval with nothing available.
func (d *Driver) ReadFrame(ctx context.Context) (tcan.Frame, bool, error) {
	select {
	case frame := <-d.frames:
		return fromCANFrame(frame), true, nil
	case err := <-d.runErr:
		return tcan.Frame{}, false, err
	case <-time.After(pollInterval):
		return tcan.Frame{}, false, nil
	case <-ctx.Done():
		return tcan.Frame{}, false, ctx.Err()
	}
}

// WriteFrame publishes frame on the bus.
func (d *Driver) WriteFrame(ctx context.Context, frame tcan.Frame) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return d.bus.Publish(toCANFrame(frame))
}

func (d *Driver) Close() error { return d.bus.Disconnect() }

func fromCANFrame(f can.Frame) tcan.Frame {
	var out tcan.Frame
	out.ID = f.ID
	out.DLC = f.Length
	copy(out.Data[:], f.Data[:])
	return out
}

func toCANFrame(f tcan.Frame) can.Frame {
	var out can.Frame
	out.ID = f.ID
	out.Length = f.DLC
	copy(out.Data[:], f.Data[:])
	return out
}
