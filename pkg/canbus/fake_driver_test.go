package canbus

import (
	"context"
	"sync"
	"time"

	"github.com/simonkerscher/tcan"
)

// fakeDriver is a minimal Driver double: every write succeeds and reads
// are served from a preloaded queue, mirroring the root package's own
// test double rather than reaching for a mocking library.
type fakeDriver struct {
	mu        sync.Mutex
	readQueue []devicebus.Frame
	written   []devicebus.Frame
}

func (f *fakeDriver) InitializeInterface() error { return nil }

func (f *fakeDriver) ReadFrame(ctx context.Context) (devicebus.Frame, bool, error) {
	f.mu.Lock()
	if len(f.readQueue) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Millisecond):
		}
		return devicebus.Frame{}, false, nil
	}
	frame := f.readQueue[0]
	f.readQueue = f.readQueue[1:]
	f.mu.Unlock()
	return frame, true, nil
}

func (f *fakeDriver) WriteFrame(ctx context.Context, frame devicebus.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, frame)
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) push(frames ...devicebus.Frame) {
	f.mu.Lock()
	f.readQueue = append(f.readQueue, frames...)
	f.mu.Unlock()
}
