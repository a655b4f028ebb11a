package strategy

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"ctpflow/logger"
)

// ErrJoinTimeout reports that a strategy was still running when a bounded
// wait on its handle expired.
var ErrJoinTimeout = errors.New("strategy still running after wait timeout")

// Failure wraps whatever ended a strategy abnormally, keyed by the strategy
// name so a joining caller can tell whose failure it inspects. It stays on
// the handle and never propagates to other strategies.
type Failure struct {
	Strategy string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("strategy %s failed: %v", f.Strategy, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Handle tracks one running strategy goroutine.
type Handle struct {
	name string
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (h *Handle) Name() string { return h.name }

// Alive reports whether the strategy goroutine has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the recorded failure, nil while the strategy runs or after a
// clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Wait blocks until the strategy exits and returns its recorded failure, if
// any. A timeout <= 0 waits forever; on a bounded wait that expires it
// returns ErrJoinTimeout.
func (h *Handle) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-h.done
		return h.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.Err()
	case <-timer.C:
		// The exit may have raced the timer.
		select {
		case <-h.done:
			return h.Err()
		default:
		}
		return ErrJoinTimeout
	}
}

// Registry runs user strategy functions, each on its own goroutine, and
// isolates their failures from one another. Handles leave the registry when
// their goroutine exits.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	seq     int
	max     int
	log     *logger.Log
}

func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Registry{
		handles: make(map[string]*Handle),
		max:     maxConcurrent,
		log:     logger.GetLogger(),
	}
}

// Run spawns fn on its own goroutine and registers it under name, or under
// a name derived from the function when name is empty. The call fails when
// the configured concurrent strategy limit is reached. An error returned by
// fn, or a panic escaping it, is logged and recorded on the handle; it never
// reaches other strategies.
func (r *Registry) Run(name string, fn func() error) (*Handle, error) {
	r.mu.Lock()
	active := 0
	for _, h := range r.handles {
		if h.Alive() {
			active++
		}
	}
	if active >= r.max {
		r.mu.Unlock()
		return nil, fmt.Errorf("strategy limit reached (max %d, running %d)", r.max, active)
	}

	if name == "" {
		name = NameOf(fn)
	}
	if name == "" {
		r.seq++
		name = fmt.Sprintf("strategy-%d", r.seq)
	}
	// Same function started twice must not orphan the first handle.
	if _, taken := r.handles[name]; taken {
		base := name
		for i := 2; ; i++ {
			name = fmt.Sprintf("%s-%d", base, i)
			if _, taken := r.handles[name]; !taken {
				break
			}
		}
	}

	h := &Handle{name: name, done: make(chan struct{})}
	r.handles[name] = h
	r.mu.Unlock()

	r.log.WithComponent("strategy").WithFields(logger.Fields{
		"strategy": name,
	}).Info("strategy started")

	go r.execute(h, fn)
	return h, nil
}

func (r *Registry) execute(h *Handle, fn func() error) {
	entry := r.log.WithComponent("strategy").WithFields(logger.Fields{
		"strategy": h.name,
	})

	defer func() {
		if rec := recover(); rec != nil {
			h.fail(&Failure{Strategy: h.name, Err: fmt.Errorf("panic: %v", rec)})
			entry.WithFields(logger.Fields{
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			}).Error("strategy terminated abnormally")
		}
		r.remove(h)
		close(h.done)
	}()

	if err := fn(); err != nil {
		h.fail(&Failure{Strategy: h.name, Err: err})
		entry.WithError(err).Error("strategy failed")
		return
	}
	entry.Info("strategy finished")
}

func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.handles[h.name]; ok && cur == h {
		delete(r.handles, h.name)
	}
	r.mu.Unlock()
}

// ListRunning is a point-in-time snapshot of registered strategies and their
// liveness, safe to call while strategies start and stop.
func (r *Registry) ListRunning() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.handles))
	for name, h := range r.handles {
		out[name] = h.Alive()
	}
	return out
}

// JoinAll waits for every registered strategy to exit, splitting timeout
// evenly across them. Strategies still running when their slice expires are
// logged and returned by name; they are never killed.
func (r *Registry) JoinAll(timeout time.Duration) []string {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}

	per := timeout / time.Duration(len(handles))
	var stuck []string
	for _, h := range handles {
		if err := h.Wait(per); errors.Is(err, ErrJoinTimeout) {
			stuck = append(stuck, h.name)
			r.log.WithComponent("strategy").WithFields(logger.Fields{
				"strategy":   h.name,
				"timeout_ms": per.Milliseconds(),
			}).Warn("strategy still running after join timeout")
		}
	}
	return stuck
}

// NameOf extracts a short strategy name from the function symbol, the way
// a stack trace would print it minus package noise. Callers that wrap a
// strategy in a closure should derive the name from the original function.
func NameOf(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
