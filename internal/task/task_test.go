package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-devlink/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newMockLogger() *logger.MockLogger {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()

	return mockLogger
}

func TestManager_ParentCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewManager(ctx, newMockLogger())

	var iterations atomic.Int32
	var cancelled atomic.Bool
	require.NoError(t, taskMgr.StartReceiver("testReceiver", 4, func([]byte) bool {
		iterations.Add(1)
		time.Sleep(time.Millisecond)
		return true
	}, func() { cancelled.Store(true) }))

	require.Eventually(t, func() bool { return iterations.Load() > 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, taskMgr.TaskCount())

	// cancel the parent context to stop the receiver
	cancel()
	taskMgr.Wait()

	assert.Equal(t, 0, taskMgr.TaskCount())
	assert.True(t, cancelled.Load())
	require.ErrorIs(t, taskMgr.StartReceiver("afterCancel", 4, func([]byte) bool { return false }, nil), ErrStopped)
}

func TestManager_StartReceiver(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockLogger := newMockLogger()
	taskMgr := NewManager(context.Background(), mockLogger)

	chunks := make(chan []byte, 3)
	chunks <- []byte{0x01}
	chunks <- []byte{0x02, 0x03}
	close(chunks)

	var received []byte
	var cancelled atomic.Bool
	err := taskMgr.StartReceiver("testReceiver", 8, func(buf []byte) bool {
		chunk, ok := <-chunks
		if !ok {
			return false
		}
		n := copy(buf, chunk)
		received = append(received, buf[:n]...)

		return true
	}, func() {
		cancelled.Store(true)
	})
	require.NoError(t, err)

	taskMgr.Wait()

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, received)
	assert.True(t, cancelled.Load())
	assert.Equal(t, 0, taskMgr.TaskCount())
	mockLogger.AssertNotCalled(t, "Error", mock.Anything, mock.Anything)
}

func TestManager_StartReceiver_InvalidBuffer(t *testing.T) {
	taskMgr := NewManager(context.Background(), newMockLogger())
	require.Error(t, taskMgr.StartReceiver("bad", 0, func([]byte) bool { return false }, nil))
}

func TestManager_StopAndReuse(t *testing.T) {
	defer goleak.VerifyNone(t)

	taskMgr := NewManager(context.Background(), newMockLogger())

	var cancelled atomic.Bool
	require.NoError(t, taskMgr.StartReceiver("first", 4, func([]byte) bool {
		time.Sleep(time.Millisecond)
		return true
	}, func() { cancelled.Store(true) }))

	taskMgr.Stop()
	taskMgr.Wait()
	assert.Equal(t, 0, taskMgr.TaskCount())
	assert.True(t, cancelled.Load())

	// the manager is re-armed by Wait
	done := make(chan struct{})
	require.NoError(t, taskMgr.StartReceiver("second", 4, func([]byte) bool {
		close(done)
		return false
	}, nil))
	<-done
	taskMgr.Wait()
}

func TestManager_RecoverPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockLogger := newMockLogger()
	taskMgr := NewManager(context.Background(), mockLogger)

	var cancelled atomic.Bool
	require.NoError(t, taskMgr.StartReceiver("panicky", 4, func([]byte) bool {
		panic("boom")
	}, func() { cancelled.Store(true) }))

	taskMgr.Wait()

	assert.True(t, cancelled.Load())
	mockLogger.AssertCalled(t, "Error", "panic in task loop", mock.Anything)
}
