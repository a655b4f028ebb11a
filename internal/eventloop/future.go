package eventloop

import (
	"sync"
	"time"
)

// Future carries the result of a scheduled task back to the calling
// goroutine. It resolves exactly once.
type Future struct {
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	value    any
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)
	return f
}

func (f *Future) resolve(v any, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.value = v
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or the timeout elapses. A timeout of
// zero or less waits without a deadline.
func (f *Future) Wait(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		<-f.done
		return f.value, f.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		select {
		case <-f.done:
			return f.value, f.err
		default:
		}
		return nil, ErrWaitTimeout
	}
}
