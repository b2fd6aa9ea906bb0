// Package task manages the goroutines owned by a device link.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-devlink/logger"
)

// ErrStopped is returned when a task is started on a Manager whose parent context is done.
var ErrStopped = errors.New("task manager already stopped")

// RecvFunc performs one receive iteration into buf. It returns true to keep running, or false to stop the goroutine.
type RecvFunc func(buf []byte) bool

// CancelFunc is called once when a goroutine started by the Manager exits.
type CancelFunc func()

// Manager manages the lifecycle of goroutines started for a connection.
//
// Goroutines observe the manager's context between iterations; a blocking iteration, e.g. a socket read,
// must be unblocked by its owner, typically by closing the socket. Wait blocks until every goroutine
// has returned and re-arms the manager so it can be reused for the next connection.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// StartReceiver starts a new goroutine running taskFunc with a receive buffer of bufSize bytes.
//
// cancelFunc is called when the goroutine exits, for whatever reason.
func (mgr *Manager) StartReceiver(name string, bufSize int, taskFunc RecvFunc, cancelFunc CancelFunc) error {
	mgr.logger.Debug("start receiver task", "name", name, "bufSize", bufSize)

	if bufSize <= 0 {
		return fmt.Errorf("invalid receive buffer size: %d", bufSize)
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if cancelFunc != nil {
			defer cancelFunc()
		}

		buf := make([]byte, bufSize)
		mgr.runLoop(name, func() bool {
			return taskFunc(buf)
		})
	})

	return starter.waitForStart()
}

// Stop signals all running goroutines to stop after their current iteration.
// A goroutine blocked inside an iteration keeps running until that iteration returns.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait waits for all goroutines to terminate, then re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.cancel()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

type starter struct {
	mgr     *Manager
	name    string
	started chan error
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	select {
	case <-mgr.getContext().Done():
		return nil, ErrStopped
	default:
	}

	return &starter{
		mgr:     mgr,
		name:    name,
		started: make(chan error, 1),
	}, nil
}

func (s *starter) startTask(body func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.TaskCount())
		}()

		s.started <- nil
		body()
	}()
}

func (s *starter) waitForStart() error {
	select {
	case err := <-s.started:
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", s.name, err)
		}

		return nil

	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for %s to start", s.name)
	}
}

// runLoop runs taskFunc until it returns false or the context is done.
func (mgr *Manager) runLoop(name string, taskFunc func() bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "name", name, "panic", r)
		}
	}()

	for {
		select {
		case <-mgr.getContext().Done():
			return
		default:
			if !taskFunc() {
				return
			}
		}
	}
}
