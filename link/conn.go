package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-devlink/internal/pool"
	"github.com/arloliu/go-devlink/internal/task"
	"github.com/arloliu/go-devlink/logger"
)

// Connection represents a persistent TCP connection to a remote device.
//
// It owns the socket, tracks the connection state and records inbound payloads. Requests are
// serialized by an internal Requester, see SendWaitForResponse.
type Connection struct {
	pctx   context.Context
	cfg    *ConnectionConfig
	logger logger.Logger

	lifecycleMutex sync.Mutex // serializes Connect and Disconnect
	sendMutex      sync.Mutex // serializes socket writes

	connMutex sync.Mutex    // protects conn, closed and respChan
	conn      net.Conn      // TCP connection, nil while not connected
	closed    chan struct{} // closed once the current TCP connection has closed
	respChan  chan []byte   // receiver of the next inbound payload, nil if no request waits

	lastMsg  atomic.Pointer[[]byte]
	shutdown atomic.Bool // a graceful disconnect is in progress

	stateMgr  *ConnStateMgr
	taskMgr   *task.Manager
	requester *Requester

	metrics ConnectionMetrics
}

// ensure Connection implements RequestTransport.
var _ RequestTransport = (*Connection)(nil)

// NewConnection creates an unconnected Connection with the given configuration.
//
// handlers are registered as connection state handlers. When ctx is done the connection is disconnected
// and can't be connected again.
func NewConnection(ctx context.Context, cfg *ConnectionConfig, handlers ...ConnStateChangeHandler) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	c := &Connection{
		pctx:    ctx,
		cfg:     cfg,
		logger:  cfg.logger.With("remote", cfg.Address()),
		taskMgr: task.NewManager(ctx, cfg.logger),
	}

	c.stateMgr = NewConnStateMgr(c, c.logger, handlers...)
	c.requester = newRequester(c, cfg.responseTimeout, c.logger, &c.metrics)
	context.AfterFunc(ctx, c.Disconnect)

	return c, nil
}

// GetLogger returns the logger of the connection.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the metrics of the connection.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// Config returns the configuration of the connection.
func (c *Connection) Config() *ConnectionConfig {
	return c.cfg
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	return c.stateMgr.State()
}

// IsConnected returns if the connection is connected.
func (c *Connection) IsConnected() bool {
	return c.stateMgr.IsConnected()
}

// WaitState waits until the connection reaches state or ctx is done.
func (c *Connection) WaitState(ctx context.Context, state ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddConnStateHandler registers a connection state handler and returns its id.
func (c *Connection) AddConnStateHandler(handler ConnStateChangeHandler) HandlerID {
	return c.stateMgr.AddHandler(handler)
}

// RemoveConnStateHandler unregisters the connection state handler with the given id.
func (c *Connection) RemoveConnStateHandler(id HandlerID) bool {
	return c.stateMgr.RemoveHandler(id)
}

// Pending returns the number of SendWaitForResponse callers waiting for admission.
func (c *Connection) Pending() int {
	return c.requester.Pending()
}

// LastMessage returns a copy of the most recently received payload, or nil if none was received
// since the last request cycle started.
func (c *Connection) LastMessage() []byte {
	p := c.lastMsg.Load()
	if p == nil {
		return nil
	}

	return bytes.Clone(*p)
}

// Connect connects to the remote device.
//
// It returns nil immediately if the connection is already connected. A failed attempt moves the
// connection to DisconnectedState and returns an error wrapping ErrConnectFailed; it is not retried.
func (c *Connection) Connect() error {
	c.lifecycleMutex.Lock()
	defer c.lifecycleMutex.Unlock()

	if c.stateMgr.IsConnected() {
		return nil
	}

	if err := c.pctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	// the receiver of a previous connection must be gone before a new one starts
	c.taskMgr.Wait()

	if err := c.stateMgr.ToConnecting(); err != nil {
		return err
	}

	c.logger.Info("connecting to device", "network", c.cfg.network)

	conn, err := c.dial()
	if err != nil {
		c.metrics.incConnectErrCount()
		c.logger.Warn("socket closed during connection process, not attempting restart", "error", err)
		c.stateMgr.ToDisconnected()

		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	closed := make(chan struct{})

	c.connMutex.Lock()
	c.conn = conn
	c.closed = closed
	c.respChan = nil
	c.connMutex.Unlock()

	c.shutdown.Store(false)
	c.lastMsg.Store(nil)

	c.logger.Info("connected to device",
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)
	c.metrics.incConnectCount()

	if err := c.stateMgr.ToConnected(); err != nil {
		c.closeTransport(conn, closed, err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	var readErr error
	err = c.taskMgr.StartReceiver("receiverTask", c.cfg.readBufferSize,
		func(buf []byte) bool {
			readErr = c.receiverTask(conn, buf)
			return readErr == nil
		},
		func() {
			c.closeTransport(conn, closed, readErr)
		},
	)
	if err != nil {
		c.logger.Error("failed to start receiver task", "error", err)
		c.closeTransport(conn, closed, err)

		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	return nil
}

// Disconnect gracefully closes the connection.
//
// It half-closes the socket, waits up to the close timeout for the remote device to close its side,
// then closes the socket and returns once the receiver has terminated. A device that never closes its
// side makes Disconnect take the full close timeout, 3 seconds by default, see WithCloseTimeout.
// It is a no-op when not connected.
func (c *Connection) Disconnect() {
	c.lifecycleMutex.Lock()
	defer c.lifecycleMutex.Unlock()

	c.connMutex.Lock()
	conn, closed := c.conn, c.closed
	c.connMutex.Unlock()

	if conn == nil {
		c.taskMgr.Wait()
		return
	}

	c.shutdown.Store(true)
	c.logger.Info("disconnecting from device")

	// the receiver exits after its pending read returns
	c.taskMgr.Stop()

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			c.logger.Debug("failed to half-close socket", "error", err)
			_ = conn.Close()
		}
	} else {
		_ = conn.Close()
	}

	timer := pool.GetTimer(c.cfg.closeTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-closed:
	case <-timer.C:
		c.logger.Debug("remote didn't close in time, close socket", "timeout", c.cfg.closeTimeout)
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		_ = conn.Close()
		<-closed
	}

	c.taskMgr.Wait()
}

// Send writes payload to the remote device and returns once it has been written to the socket.
//
// It returns ErrNotConnected if there is no active connection. A failed write is returned wrapped in
// ErrSendFailed and doesn't close the connection by itself.
func (c *Connection) Send(payload []byte) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if conn == nil || c.shutdown.Load() || !c.stateMgr.IsConnected() {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		c.metrics.incMsgSendErrCount()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if _, err := conn.Write(payload); err != nil {
		c.metrics.incMsgSendErrCount()
		c.logger.Error("socket error", "method", "Send", "error", err)

		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.metrics.incMsgSendCount()
	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("payload sent to device", "method", "Send", "size", len(payload))
	}

	return nil
}

// SendWaitForResponse sends payload and returns the first payload received from the device afterwards.
//
// Calls are serialized: a call made while another is waiting for its response is queued and runs after
// all earlier calls finished. The call fails with ErrNotConnected when there is no connection, with
// ErrDisconnectedDuringWait if the connection closes before the response arrives, and with
// ErrResponseTimeout if no response arrives within the configured response timeout.
func (c *Connection) SendWaitForResponse(payload []byte) ([]byte, error) {
	return c.requester.SendWaitForResponse(payload)
}

// ExpectResponse clears the last received payload and registers a receiver for the next inbound payload.
//
// Only one receiver is registered at a time; registering replaces the previous receiver.
func (c *Connection) ExpectResponse() (*ResponseWaiter, error) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.conn == nil || c.shutdown.Load() {
		return nil, ErrNotConnected
	}

	c.lastMsg.Store(nil)

	ch := make(chan []byte, 1)
	c.respChan = ch

	return NewResponseWaiter(ch, c.closed, func() {
		c.connMutex.Lock()
		defer c.connMutex.Unlock()

		if c.respChan == ch {
			c.respChan = nil
		}
	}), nil
}

func (c *Connection) dial() (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   c.cfg.connectTimeout,
		KeepAlive: c.cfg.keepAlive,
	}

	ctx, cancel := context.WithTimeout(c.pctx, c.cfg.connectTimeout)
	defer cancel()

	return dialer.DialContext(ctx, c.cfg.network, c.cfg.Address())
}

// receiverTask performs one socket read. It returns nil to keep reading; any returned error ends the
// connection, io.EOF and net.ErrClosed included.
func (c *Connection) receiverTask(conn net.Conn, buf []byte) error {
	n, err := conn.Read(buf)
	if n > 0 {
		c.recvPayload(buf[:n])
	}

	return err
}

// recvPayload records payload as the last message and hands it to the waiting request, if any.
func (c *Connection) recvPayload(data []byte) {
	payload := bytes.Clone(data)
	c.lastMsg.Store(&payload)
	c.metrics.incMsgRecvCount()

	c.connMutex.Lock()
	ch := c.respChan
	c.respChan = nil
	c.connMutex.Unlock()

	if ch == nil {
		c.metrics.incUnsolicitedMsgCount()
		c.logger.Debug("no request waiting, discard payload", "method", "recvPayload", "size", len(payload))

		return
	}

	ch <- payload // buffered, and each receiver is handed at most one payload
}

// closeTransport closes conn and moves the connection to DisconnectedState. Handlers are notified before
// requests waiting on closed are woken up.
func (c *Connection) closeTransport(conn net.Conn, closed chan struct{}, cause error) {
	c.connMutex.Lock()
	if c.conn != conn {
		c.connMutex.Unlock()
		return
	}
	c.conn = nil
	c.respChan = nil
	c.connMutex.Unlock()

	_ = conn.Close()

	hadError := cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed)
	switch {
	case c.shutdown.Load():
		c.logger.Info("socket closed")
	case hadError:
		c.logger.Error("socket error", "error", cause)
		c.logger.Warn("socket closed (with error)")
	default:
		c.logger.Warn("socket closed")
	}

	c.metrics.incDisconnectCount()
	c.stateMgr.ToDisconnected()
	close(closed)
}
