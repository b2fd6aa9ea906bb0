package link

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeTransport is an in-memory RequestTransport.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	closed    chan struct{}
	resp      chan []byte
	writes    [][]byte
	sendErr   error
	onSend    func(payload []byte)

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, closed: make(chan struct{})}
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()

		return err
	}
	f.writes = append(f.writes, bytes.Clone(payload))
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(payload)
	}

	return nil
}

func (f *fakeTransport) ExpectResponse() (*ResponseWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return nil, ErrNotConnected
	}

	if n := f.active.Add(1); n > f.maxActive.Load() {
		f.maxActive.Store(n)
	}

	ch := make(chan []byte, 1)
	f.resp = ch

	return NewResponseWaiter(ch, f.closed, func() {
		f.active.Add(-1)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.resp == ch {
			f.resp = nil
		}
	}), nil
}

// deliver hands payload to the waiting cycle and reports whether one was waiting.
func (f *fakeTransport) deliver(payload []byte) bool {
	f.mu.Lock()
	ch := f.resp
	f.resp = nil
	f.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- payload

	return true
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected = false
	f.resp = nil
	close(f.closed)
}

func (f *fakeTransport) writeLog() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]byte(nil), f.writes...)
}

type result struct {
	rsp []byte
	err error
}

func TestRequester_DeviceScenario(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)

	cfg, err := NewConnectionConfig("192.168.1.50", 9000)
	require.NoError(err)
	require.Equal("192.168.1.50:9000", cfg.Address())
	require.Equal("tcp4", cfg.Network())

	tr := newFakeTransport()
	tr.onSend = func([]byte) { tr.deliver([]byte{0xAA}) }

	r := NewRequester(tr, cfg.ResponseTimeout(), nil)

	begin := time.Now()
	rsp, err := r.SendWaitForResponse([]byte{0x01, 0x02})
	require.NoError(err)
	require.Equal([]byte{0xAA}, rsp)
	require.Less(time.Since(begin), 100*time.Millisecond)
	require.Equal([][]byte{{0x01, 0x02}}, tr.writeLog())
}

func TestRequester_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)

	tr := newFakeTransport()
	r := NewRequester(tr, 50*time.Millisecond, nil)

	begin := time.Now()
	rsp, err := r.SendWaitForResponse([]byte{0x01})
	require.ErrorIs(err, ErrResponseTimeout)
	require.EqualError(err, "response timeout exceeded")
	require.Nil(rsp)
	require.GreaterOrEqual(time.Since(begin), 50*time.Millisecond)
	require.EqualValues(1, r.Metrics().RequestTimeoutCount.Load())

	// the queue admits the next cycle, which isn't affected by the timed out one
	tr.onSend = func(p []byte) { tr.deliver(append([]byte{0xEE}, p...)) }
	rsp, err = r.SendWaitForResponse([]byte{0x02})
	require.NoError(err)
	require.Equal([]byte{0xEE, 0x02}, rsp)
}

func TestRequester_FIFOAdmission(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)

	const numCycles = 8

	tr := newFakeTransport()
	releaseFirst := make(chan struct{})
	var wg sync.WaitGroup
	tr.onSend = func(p []byte) {
		if p[0] == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-releaseFirst
				tr.deliver(bytes.Clone(p))
			}()

			return
		}
		tr.deliver(bytes.Clone(p))
	}

	r := NewRequester(tr, 5*time.Second, nil)

	results := make([]chan result, numCycles)
	for i := range numCycles {
		results[i] = make(chan result, 1)
		go func(i int) {
			rsp, err := r.SendWaitForResponse([]byte{byte(i)})
			results[i] <- result{rsp, err}
		}(i)

		// submit the next cycle only after this one is running or queued
		if i == 0 {
			require.Eventually(func() bool { return len(tr.writeLog()) == 1 }, time.Second, time.Millisecond)
		} else {
			require.Eventually(func() bool { return r.Pending() == i }, time.Second, time.Millisecond)
		}
	}

	// every later cycle is blocked behind the first one
	require.Len(tr.writeLog(), 1)

	close(releaseFirst)

	for i := range numCycles {
		res := <-results[i]
		require.NoError(res.err)
		require.Equal([]byte{byte(i)}, res.rsp)
	}
	wg.Wait()

	writes := tr.writeLog()
	require.Len(writes, numCycles)
	for i, w := range writes {
		require.Equal([]byte{byte(i)}, w, "write %d out of order", i)
	}
	require.EqualValues(1, tr.maxActive.Load())
	require.Zero(r.Pending())
	require.EqualValues(numCycles, r.Metrics().RequestCount.Load())
	require.Zero(r.Metrics().RequestInflightGauge.Load())
}

func TestRequester_DisconnectDuringWait(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)

	tr := newFakeTransport()
	r := NewRequester(tr, 5*time.Second, nil)

	first := make(chan result, 1)
	go func() {
		rsp, err := r.SendWaitForResponse([]byte{0x01})
		first <- result{rsp, err}
	}()
	require.Eventually(func() bool { return len(tr.writeLog()) == 1 }, time.Second, time.Millisecond)

	second := make(chan result, 1)
	go func() {
		rsp, err := r.SendWaitForResponse([]byte{0x02})
		second <- result{rsp, err}
	}()
	require.Eventually(func() bool { return r.Pending() == 1 }, time.Second, time.Millisecond)

	tr.disconnect()

	res := <-first
	require.ErrorIs(res.err, ErrDisconnectedDuringWait)
	require.EqualError(res.err, "socket closed without sending response")

	// the queued cycle runs against the closed transport and fails fast
	res = <-second
	require.ErrorIs(res.err, ErrNotConnected)
	require.Len(tr.writeLog(), 1)
}

func TestRequester_ResponseWinsOverClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newFakeTransport()
	tr.onSend = func([]byte) {
		tr.deliver([]byte{0x42})
		tr.disconnect()
	}

	r := NewRequester(tr, time.Second, nil)
	rsp, err := r.SendWaitForResponse([]byte{0x01})
	require.NoError(t, err)
	require.Equal(t, []byte{0x42}, rsp)
}

func TestRequester_SinglePayloadResolvesOneCycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)

	tr := newFakeTransport()
	var delivered atomic.Int32
	tr.onSend = func([]byte) {
		if delivered.Add(1) == 1 {
			tr.deliver([]byte{0xAB})
		}
	}

	r := NewRequester(tr, 50*time.Millisecond, nil)

	rsp, err := r.SendWaitForResponse([]byte{0x01})
	require.NoError(err)
	require.Equal([]byte{0xAB}, rsp)

	// nothing is waiting anymore, a late payload is not observed by the next cycle
	require.False(tr.deliver([]byte{0xAB}))

	_, err = r.SendWaitForResponse([]byte{0x02})
	require.ErrorIs(err, ErrResponseTimeout)
}

func TestRequester_SendErrorReleasesSlot(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)

	sendErr := errors.New("broken pipe")
	tr := newFakeTransport()
	tr.sendErr = sendErr

	r := NewRequester(tr, time.Second, nil)

	_, err := r.SendWaitForResponse([]byte{0x01})
	require.ErrorIs(err, sendErr)
	require.Zero(tr.active.Load(), "receiver must be released after a failed send")

	tr.mu.Lock()
	tr.sendErr = nil
	tr.mu.Unlock()
	tr.onSend = func(p []byte) { tr.deliver(p) }

	rsp, err := r.SendWaitForResponse([]byte{0x02})
	require.NoError(err)
	require.Equal([]byte{0x02}, rsp)
	require.EqualValues(1, r.Metrics().RequestErrCount.Load())
}

func TestRequester_NotConnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newFakeTransport()
	tr.disconnect()

	r := NewRequester(tr, time.Second, nil)
	_, err := r.SendWaitForResponse([]byte{0x01})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Empty(t, tr.writeLog())
}
