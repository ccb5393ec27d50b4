package devicebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) BusConfig {
	return BusConfig{Name: name, Mode: Asynchronous, MaxQueueSize: 8}
}

// Scenario A: enqueue-and-drain, in order.
func TestEnqueueAndDrainInOrder(t *testing.T) {
	driver := &fakeDriver{}
	bus := NewBus(driver, testConfig("A"), nil, nil)
	require.NoError(t, bus.InitBus())
	defer bus.StopThreads(true)

	require.NoError(t, bus.SendMessage(NewFrame(1)))
	require.NoError(t, bus.SendMessage(NewFrame(2)))
	require.NoError(t, bus.SendMessage(NewFrame(3)))

	require.NoError(t, bus.WaitForEmptyQueue())
	assert.Equal(t, []uint32{1, 2, 3}, driver.writtenIDs())
	assert.Equal(t, 0, bus.QueueLen())
}

// Scenario B: passive bus drops writes until activated.
func TestPassiveDropsWrites(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig("B")
	cfg.StartPassive = true
	bus := NewBus(driver, cfg, nil, nil)
	require.NoError(t, bus.InitBus())
	defer bus.StopThreads(true)

	require.NoError(t, bus.SendMessage(NewFrame(0x100)))
	require.NoError(t, bus.WaitForEmptyQueue())
	assert.Empty(t, driver.writtenIDs())
	assert.True(t, bus.IsPassive())

	bus.Activate()
	require.NoError(t, bus.SendMessage(NewFrame(0x101)))
	require.NoError(t, bus.WaitForEmptyQueue())
	assert.Equal(t, []uint32{0x101}, driver.writtenIDs())
}

// Scenario C: a failed write leaves the frame at the head and it is
// retried; the driver observes it written exactly once on success.
func TestWriteRetryOnFailure(t *testing.T) {
	driver := &fakeDriver{writeResults: []bool{false, true}}
	bus := NewBus(driver, testConfig("C"), nil, nil)
	require.NoError(t, bus.InitBus())
	defer bus.StopThreads(true)

	require.NoError(t, bus.SendMessage(NewFrame(0x200)))
	require.NoError(t, bus.WaitForEmptyQueue())
	assert.Equal(t, []uint32{0x200}, driver.writtenIDs())
}

// Invariant 3: WaitForEmptyQueue returns only with the queue empty or
// running false.
func TestWaitForEmptyQueueUnblocksOnStop(t *testing.T) {
	driver := &fakeDriver{rejectWrites: true}
	bus := NewBus(driver, testConfig("stop"), nil, nil)
	require.NoError(t, bus.InitBus())

	require.NoError(t, bus.SendMessage(NewFrame(0x300)))

	done := make(chan error, 1)
	go func() { done <- bus.WaitForEmptyQueue() }()

	time.Sleep(20 * time.Millisecond)
	bus.StopThreads(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBusStopped)
	case <-time.After(time.Second):
		t.Fatal("WaitForEmptyQueue did not unblock after StopThreads")
	}
	assert.False(t, bus.IsRunning())
}

// Invariant 4: after StopThreads(wait=true) the queue may still hold
// frames — they are discarded, not flushed.
func TestStopThreadsDoesNotFlushQueue(t *testing.T) {
	driver := &fakeDriver{rejectWrites: true}
	bus := NewBus(driver, testConfig("noflush"), nil, nil)
	require.NoError(t, bus.InitBus())

	require.NoError(t, bus.SendMessage(NewFrame(0x400)))
	time.Sleep(10 * time.Millisecond)
	bus.StopThreads(true)

	assert.Equal(t, 1, bus.QueueLen())
	assert.Empty(t, driver.writtenIDs())
}

func TestSendMessageDropsOnOverflow(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig("overflow")
	cfg.Mode = Synchronous // no transmit goroutine, so nothing drains the queue mid-test
	cfg.MaxQueueSize = 2
	bus := NewBus(driver, cfg, nil, nil)
	require.NoError(t, bus.InitBus())
	defer bus.StopThreads(true)

	bus.queueMu.Lock()
	bus.queue = append(bus.queue, NewFrame(1), NewFrame(2))
	bus.queueMu.Unlock()

	err := bus.SendMessage(NewFrame(3))
	assert.ErrorIs(t, err, ErrTxOverflow)
}
