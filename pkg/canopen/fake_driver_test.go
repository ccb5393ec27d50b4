package canopen

import (
	"context"
	"sync"

	tcan "github.com/simonkerscher/tcan"
)

type fakeDriver struct {
	mu      sync.Mutex
	written []tcan.Frame
}

func (f *fakeDriver) InitializeInterface() error { return nil }

func (f *fakeDriver) ReadFrame(ctx context.Context) (tcan.Frame, bool, error) {
	<-ctx.Done()
	return tcan.Frame{}, false, nil
}

func (f *fakeDriver) WriteFrame(ctx context.Context, frame tcan.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
