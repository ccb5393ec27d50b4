package devicebus

import "context"

// Driver is implemented by concrete transports (SocketCAN, PCAN, a TCP
// loopback for tests). The Bus owns no transport logic of its own beyond
// these three calls. ctx is cancelled by Bus.StopThreads so a driver
// blocked inside ReadFrame or WriteFrame unblocks promptly; a driver that
// ignores ctx still works, it just delays shutdown until its own
// read/write timeout elapses.
type Driver interface {
	// InitializeInterface opens the transport and binds any filters.
	InitializeInterface() error

	// ReadFrame reads one frame, blocking with a short timeout. ok is false
	// if the timeout elapsed without a frame; err is non-nil only on a
	// genuine transport failure.
	ReadFrame(ctx context.Context) (frame Frame, ok bool, err error)

	// WriteFrame writes one frame. A non-nil error means the frame was not
	// accepted by the transport and must be retried by the caller.
	WriteFrame(ctx context.Context, frame Frame) error

	// Close releases any transport resources.
	Close() error
}
