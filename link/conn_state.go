package link

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-devlink/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// ConnState represents the lifecycle stages of a device connection.
type ConnState uint32

// Connection states.
const (
	// IdleState indicates that the connection was created and never connected.
	IdleState ConnState = iota
	// ConnectingState indicates that the connection is dialing the remote device.
	ConnectingState
	// ConnectedState indicates that the socket is open.
	ConnectedState
	// DisconnectedState indicates that the socket was closed or the connect attempt failed.
	DisconnectedState
)

// IsIdle returns if the state is idle.
func (cs ConnState) IsIdle() bool { return cs == IdleState }

// IsConnecting returns if the state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsDisconnected returns if the state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// String returns string representation of the state.
func (cs ConnState) String() string {
	switch cs {
	case IdleState:
		return "idle"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case DisconnectedState:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is invoked when the state of a connection changes.
//
// Note: handlers are invoked synchronously on the goroutine performing the transition, before any
// request waiting on the connection observes the new state. They must not block, and must not call
// Connect or Disconnect directly; start a goroutine for that.
//
// conn is nil when the state manager is not bound to a Connection.
type ConnStateChangeHandler func(conn *Connection, prevState ConnState, newState ConnState)

// ConnectedHandler adapts a boolean callback to a ConnStateChangeHandler.
//
// fn is called with true when the connection becomes connected and with false when it becomes
// disconnected, including after a failed connect attempt.
func ConnectedHandler(fn func(connected bool)) ConnStateChangeHandler {
	return func(_ *Connection, _ ConnState, newState ConnState) {
		switch newState {
		case ConnectedState:
			fn(true)
		case DisconnectedState:
			fn(false)
		}
	}
}

// HandlerID identifies a registered ConnStateChangeHandler.
type HandlerID uint64

// ConnStateMgr manages the state of a connection and notifies registered handlers of transitions.
//
// Transitions are safe for concurrent use. Handlers are invoked in registration order.
type ConnStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	conn     *Connection
	logger   logger.Logger
	nextID   atomic.Uint64
	handlers *xsync.MapOf[HandlerID, ConnStateChangeHandler]
}

// NewConnStateMgr creates a new ConnStateMgr in IdleState with the given handlers registered.
func NewConnStateMgr(conn *Connection, l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &ConnStateMgr{
		conn:     conn,
		logger:   l,
		handlers: xsync.NewMapOf[HandlerID, ConnStateChangeHandler](),
	}
	mgr.cond = sync.NewCond(&mgr.mu)
	mgr.state.Store(uint32(IdleState))

	for _, h := range handlers {
		mgr.AddHandler(h)
	}

	return mgr
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// IsConnected returns if the current state is connected.
func (cs *ConnStateMgr) IsConnected() bool {
	return cs.State().IsConnected()
}

// AddHandler registers a handler and returns its id for RemoveHandler.
// A nil handler is ignored and yields id 0.
func (cs *ConnStateMgr) AddHandler(handler ConnStateChangeHandler) HandlerID {
	if handler == nil {
		return 0
	}

	id := HandlerID(cs.nextID.Add(1))
	cs.handlers.Store(id, handler)

	return id
}

// RemoveHandler unregisters the handler with the given id. It reports whether the handler was registered.
func (cs *ConnStateMgr) RemoveHandler(id HandlerID) bool {
	_, ok := cs.handlers.LoadAndDelete(id)
	return ok
}

// HandlerCount returns the number of registered handlers.
func (cs *ConnStateMgr) HandlerCount() int {
	return cs.handlers.Size()
}

// WaitState waits until the connection reaches state or ctx is done.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stop()

	for cs.State() != state {
		if err := ctx.Err(); err != nil {
			cs.logger.Debug("wait connection state canceled", "cur_state", cs.State(), "desired_state", state)
			return err
		}
		cs.cond.Wait()
	}

	return nil
}

// ToConnecting transitions to ConnectingState. It is allowed from IdleState and DisconnectedState.
func (cs *ConnStateMgr) ToConnecting() error {
	return cs.transition(ConnectingState, IdleState, DisconnectedState)
}

// ToConnected transitions to ConnectedState. It is allowed from ConnectingState only.
func (cs *ConnStateMgr) ToConnected() error {
	return cs.transition(ConnectedState, ConnectingState)
}

// ToDisconnected transitions to DisconnectedState from ConnectingState or ConnectedState.
// It reports whether a transition happened; it is a no-op in any other state.
func (cs *ConnStateMgr) ToDisconnected() bool {
	return cs.transition(DisconnectedState, ConnectingState, ConnectedState) == nil
}

// transition moves to newState if the current state is one of from, then invokes the handlers.
func (cs *ConnStateMgr) transition(newState ConnState, from ...ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	prevState := cs.State()
	if !slices.Contains(from, prevState) {
		cs.logger.Debug("reject connection state transition", "cur_state", prevState, "desired_state", newState)
		return ErrInvalidTransition
	}

	// the new state is visible before handlers run
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()

	cs.invokeHandlers(prevState, newState)

	return nil
}

func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	ids := make([]HandlerID, 0, cs.handlers.Size())
	cs.handlers.Range(func(id HandlerID, _ ConnStateChangeHandler) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)

	for _, id := range ids {
		if handler, ok := cs.handlers.Load(id); ok {
			handler(cs.conn, prevState, newState)
		}
	}
}
