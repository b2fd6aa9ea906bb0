// Package link maintains a single persistent TCP connection to a remote device and exposes a
// serialized request/response primitive over it.
//
// A Connection owns the socket. It tracks the connection state, notifies registered handlers of
// state transitions and records the most recently received payload. Payloads are opaque byte
// sequences: the package performs no framing, every chunk returned by a socket read is one message.
//
// Request/response correlation is strictly sequential. SendWaitForResponse admits callers one at a
// time in FIFO order; each admitted cycle sends its request and resolves with the first payload
// received afterwards, or fails when the connection closes or the response timeout elapses:
//
//	cfg, err := link.NewConnectionConfig("192.168.1.50", 9000, link.WithResponseTimeout(5*time.Second))
//	if err != nil {
//		return err
//	}
//
//	conn, err := link.NewConnection(ctx, cfg, link.ConnectedHandler(func(connected bool) {
//		log.Info("device link changed", "connected", connected)
//	}))
//	if err != nil {
//		return err
//	}
//
//	if err := conn.Connect(); err != nil {
//		return err // errors.Is(err, link.ErrConnectFailed)
//	}
//	defer conn.Disconnect()
//
//	rsp, err := conn.SendWaitForResponse([]byte{0x01, 0x02})
//
// Connection states:
//   - IdleState:         created, never connected.
//   - ConnectingState:   dialing the remote device.
//   - ConnectedState:    the socket is open, sends are accepted and inbound payloads are recorded.
//   - DisconnectedState: closed gracefully, by the remote, or after a failed connect.
//
// There is no automatic reconnect; callers invoke Connect again.
package link
