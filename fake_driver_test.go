package devicebus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeDriver is a hand-rolled test double (the example pack never reaches
// for a mocking library anywhere), controllable per test: a queue of
// frames to hand back from ReadFrame, and a queue of pass/fail results to
// hand back from WriteFrame (defaulting to success once exhausted, or to
// failure when rejectWrites is set).
type fakeDriver struct {
	mu           sync.Mutex
	readQueue    []Frame
	writeResults []bool
	rejectWrites bool
	written      []Frame
}

func (f *fakeDriver) InitializeInterface() error { return nil }

func (f *fakeDriver) ReadFrame(ctx context.Context) (Frame, bool, error) {
	f.mu.Lock()
	if len(f.readQueue) == 0 {
		f.mu.Unlock()
		// Mimic a driver with a short read timeout so the receive loop
		// polls the running flag regularly instead of busy-spinning.
		select {
		case <-time.After(2 * time.Millisecond):
		case <-ctx.Done():
		}
		return Frame{}, false, nil
	}
	frame := f.readQueue[0]
	f.readQueue = f.readQueue[1:]
	f.mu.Unlock()
	return frame, true, nil
}

func (f *fakeDriver) WriteFrame(ctx context.Context, frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := !f.rejectWrites
	if len(f.writeResults) > 0 {
		ok = f.writeResults[0]
		f.writeResults = f.writeResults[1:]
	}
	if !ok {
		return errors.New("fakeDriver: write rejected")
	}
	f.written = append(f.written, frame)
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) writtenIDs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint32, len(f.written))
	for i, fr := range f.written {
		ids[i] = fr.ID
	}
	return ids
}
