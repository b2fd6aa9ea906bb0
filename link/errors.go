package link

import "errors"

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("connection config is nil")

	// ErrInvalidHost indicates that the remote host is neither an IP address nor a valid host name.
	ErrInvalidHost = errors.New("invalid host")

	// ErrInvalidPort indicates that the remote port is out of range [1, 65535].
	ErrInvalidPort = errors.New("port is out of range [1, 65535]")
)

var (
	// ErrConnectFailed indicates that the transport closed before the connection was established.
	// The attempt is not retried.
	ErrConnectFailed = errors.New("unable to connect to device, verify network reachability")

	// ErrNotConnected indicates that there is no active transport.
	ErrNotConnected = errors.New("socket isn't running, please call Connect()")

	// ErrSendFailed indicates that writing to the transport failed. The connection is not closed by it.
	ErrSendFailed = errors.New("failed to write to socket")
)

var (
	// ErrDisconnectedDuringWait indicates that the connection closed while a response was pending.
	ErrDisconnectedDuringWait = errors.New("socket closed without sending response")

	// ErrResponseTimeout indicates that no payload was received within the response timeout.
	// The connection stays open.
	ErrResponseTimeout = errors.New("response timeout exceeded")
)

// ErrInvalidTransition is returned when the connection state can't move to the requested state.
var ErrInvalidTransition = errors.New("invalid state transition")
