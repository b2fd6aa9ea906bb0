package link

import (
	"sync"
	"time"

	"github.com/arloliu/go-devlink/internal/pool"
	"github.com/arloliu/go-devlink/internal/queue"
	"github.com/arloliu/go-devlink/logger"
)

// RequestTransport is the transport a Requester drives. Connection implements it.
type RequestTransport interface {
	// Send writes payload to the remote device.
	Send(payload []byte) error
	// ExpectResponse clears the last received payload and registers a receiver for the next one.
	// It fails with ErrNotConnected when there is no active transport.
	ExpectResponse() (*ResponseWaiter, error)
}

// ResponseWaiter is the receiving side of one request cycle.
type ResponseWaiter struct {
	response <-chan []byte
	closed   <-chan struct{}
	release  func()
}

// NewResponseWaiter creates a ResponseWaiter.
//
// response delivers at most one payload. closed is closed when the transport the request was sent on
// closes. release is called once when the cycle ends, and may be nil.
func NewResponseWaiter(response <-chan []byte, closed <-chan struct{}, release func()) *ResponseWaiter {
	return &ResponseWaiter{response: response, closed: closed, release: release}
}

// Release unregisters the receiver. It is safe to call more than once.
func (w *ResponseWaiter) Release() {
	if w.release != nil {
		w.release()
		w.release = nil
	}
}

// Requester serializes request/response cycles onto a RequestTransport.
//
// At most one cycle is active at any instant. Callers arriving while a cycle is active wait in FIFO
// order and are admitted strictly after every previously admitted cycle finished, whatever its outcome.
// A failed cycle is never retried.
type Requester struct {
	transport RequestTransport
	timeout   time.Duration
	logger    logger.Logger
	metrics   *ConnectionMetrics
	gate      admissionGate
}

// NewRequester creates a Requester that waits up to timeout for each response.
// A non-positive timeout uses the default of 10 seconds and a nil logger uses logger.GetLogger().
func NewRequester(transport RequestTransport, timeout time.Duration, l logger.Logger) *Requester {
	return newRequester(transport, timeout, l, &ConnectionMetrics{})
}

func newRequester(transport RequestTransport, timeout time.Duration, l logger.Logger, metrics *ConnectionMetrics) *Requester {
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Requester{
		transport: transport,
		timeout:   timeout,
		logger:    l,
		metrics:   metrics,
		gate:      admissionGate{waiters: queue.NewSliceQueue[chan struct{}](8)},
	}
}

// Pending returns the number of callers waiting for admission.
func (r *Requester) Pending() int {
	return r.gate.pending()
}

// Metrics returns the request metrics.
func (r *Requester) Metrics() *ConnectionMetrics {
	return r.metrics
}

// SendWaitForResponse sends payload and returns the first payload received afterwards.
//
// The cycle fails with the transport's error if the payload can't be sent, with
// ErrDisconnectedDuringWait if the connection closes before a response arrives, and with
// ErrResponseTimeout if no response arrives within the timeout.
func (r *Requester) SendWaitForResponse(payload []byte) ([]byte, error) {
	r.metrics.incRequestInflight()
	defer r.metrics.decRequestInflight()

	r.gate.acquire()
	defer r.gate.release()

	r.metrics.incRequestCount()

	waiter, err := r.transport.ExpectResponse()
	if err != nil {
		r.metrics.incRequestErrCount()
		return nil, err
	}
	defer waiter.Release()

	if err := r.transport.Send(payload); err != nil {
		r.metrics.incRequestErrCount()
		return nil, err
	}

	timer := pool.GetTimer(r.timeout)
	defer pool.PutTimer(timer)

	// a received response wins over a close or timeout observed in the same instant
	select {
	case rsp := <-waiter.response:
		return rsp, nil

	case <-waiter.closed:
		if rsp, ok := tryRecv(waiter.response); ok {
			return rsp, nil
		}
		r.metrics.incRequestErrCount()
		r.logger.Warn("connection closed while waiting for response", "method", "SendWaitForResponse")

		return nil, ErrDisconnectedDuringWait

	case <-timer.C:
		if rsp, ok := tryRecv(waiter.response); ok {
			return rsp, nil
		}
		r.metrics.incRequestTimeoutCount()
		r.logger.Warn("response timeout exceeded", "method", "SendWaitForResponse", "timeout", r.timeout)

		return nil, ErrResponseTimeout
	}
}

func tryRecv(ch <-chan []byte) ([]byte, bool) {
	select {
	case rsp := <-ch:
		return rsp, true
	default:
		return nil, false
	}
}

// admissionGate is a single-slot FIFO gate with an unbounded backlog.
// Release hands the slot directly to the oldest waiter, so admission order is arrival order.
type admissionGate struct {
	mu      sync.Mutex
	busy    bool
	waiters queue.Queue[chan struct{}]
}

func (g *admissionGate) acquire() {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()

		return
	}

	ch := make(chan struct{})
	g.waiters.Enqueue(ch)
	g.mu.Unlock()

	<-ch
}

func (g *admissionGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if next, ok := g.waiters.Dequeue(); ok {
		close(next) // busy stays set, the slot passes to next
		return
	}
	g.busy = false
}

func (g *admissionGate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.waiters.Length()
}
