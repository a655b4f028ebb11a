package eventloop

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ctpflow/logger"
	"ctpflow/models"
)

var (
	// ErrUnavailable means the loop is not accepting work, either because
	// it never started or because it already terminated.
	ErrUnavailable = errors.New("event loop not available")
	// ErrTerminated resolves tasks that were still queued when the loop
	// exited.
	ErrTerminated = errors.New("event loop terminated")
	// ErrWaitTimeout is returned by Future.Wait when the deadline passes
	// before the task result arrives.
	ErrWaitTimeout = errors.New("wait for task result timed out")
)

// Task runs on the loop goroutine. Whatever it returns resolves the future
// handed out by Schedule.
type Task func() (any, error)

// Handler receives everything the loop pulls off the gateway channels, plus
// the terminal notification when the loop goes down. All methods are invoked
// on the loop goroutine.
type Handler interface {
	HandleMarketData(env *models.Envelope)
	HandleTradeData(env *models.Envelope)
	HandleLoopDown(err error)
}

type scheduled struct {
	task Task
	fut  *Future
}

// Loop is the single goroutine that owns all gateway state. Connection
// readers feed it envelopes through channels, strategy goroutines feed it
// tasks through Schedule. Nothing else touches the caches or the wire.
type Loop struct {
	tasks chan *scheduled
	md    <-chan *models.Envelope
	td    <-chan *models.Envelope

	handler Handler

	mu         sync.RWMutex
	running    bool
	terminated bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	log      *logger.Log
}

func NewLoop(taskBuffer int, md, td <-chan *models.Envelope, handler Handler) *Loop {
	if taskBuffer <= 0 {
		taskBuffer = 1024
	}
	return &Loop{
		tasks:   make(chan *scheduled, taskBuffer),
		md:      md,
		td:      td,
		handler: handler,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     logger.GetLogger(),
	}
}

func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("event loop already running")
	}
	if l.terminated {
		return fmt.Errorf("event loop already terminated")
	}
	l.running = true

	go l.run()

	l.log.WithComponent("eventloop").Info("event loop started")
	return nil
}

// Schedule queues a task for the loop goroutine and returns its future.
// When the loop is down the future comes back already failed, callers never
// block on a dead runtime.
func (l *Loop) Schedule(t Task) *Future {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.running {
		return failedFuture(ErrUnavailable)
	}

	s := &scheduled{task: t, fut: newFuture()}
	select {
	case l.tasks <- s:
		return s.fut
	default:
		// Bounded queue, a full buffer means the loop stopped keeping up.
		return failedFuture(fmt.Errorf("task queue full: %w", ErrUnavailable))
	}
}

// Running reports whether the loop currently accepts work.
func (l *Loop) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

func (l *Loop) run() {
	var cause error

	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("event loop panic: %v", r)
			l.log.WithComponent("eventloop").WithFields(logger.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("event loop crashed")
		}
		l.terminate(cause)
	}()

	md, td := l.md, l.td
	for {
		// Stop wins over pending work.
		select {
		case <-l.stopCh:
			return
		default:
		}

		select {
		case <-l.stopCh:
			return
		case s := <-l.tasks:
			l.runTask(s)
		case env, ok := <-md:
			if !ok {
				md = nil
				continue
			}
			l.dispatch(func() { l.handler.HandleMarketData(env) }, "market data handler")
		case env, ok := <-td:
			if !ok {
				td = nil
				continue
			}
			l.dispatch(func() { l.handler.HandleTradeData(env) }, "trade data handler")
		}
	}
}

// runTask isolates panics to the task's own future, a broken caller must
// not take the runtime down with it.
func (l *Loop) runTask(s *scheduled) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithComponent("eventloop").WithFields(logger.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("scheduled task panicked")
			s.fut.resolve(nil, fmt.Errorf("task panic: %v", r))
		}
	}()

	v, err := s.task()
	s.fut.resolve(v, err)
}

func (l *Loop) dispatch(fn func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithComponent("eventloop").WithFields(logger.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error(what + " panicked")
		}
	}()
	fn()
}

// terminate flips the loop unavailable, fails whatever was still queued and
// tells the handler. After the running flag goes down under the write lock
// no Schedule call can add to the queue, so the drain below is complete.
// HandleLoopDown finishes before doneCh closes, Stop returns to a fully
// settled runtime.
func (l *Loop) terminate(cause error) {
	l.mu.Lock()
	l.running = false
	l.terminated = true
	l.mu.Unlock()

	for {
		select {
		case s := <-l.tasks:
			s.fut.resolve(nil, ErrTerminated)
		default:
			if l.handler != nil {
				l.dispatch(func() { l.handler.HandleLoopDown(cause) }, "loop down handler")
			}
			close(l.doneCh)
			l.log.WithComponent("eventloop").Info("event loop exited")
			return
		}
	}
}

// Stop asks the loop to exit and waits up to timeout for it. A loop stuck in
// a handler is reported but not forced, there is no safe way to kill it.
func (l *Loop) Stop(timeout time.Duration) error {
	l.mu.RLock()
	running := l.running
	l.mu.RUnlock()
	if !running {
		return nil
	}

	l.stopOnce.Do(func() { close(l.stopCh) })

	select {
	case <-l.doneCh:
		l.log.WithComponent("eventloop").Info("event loop stopped")
		return nil
	case <-time.After(timeout):
		l.log.WithComponent("eventloop").WithFields(logger.Fields{
			"timeout": timeout.String(),
		}).Warn("event loop did not stop in time")
		return fmt.Errorf("event loop did not stop within %s", timeout)
	}
}
