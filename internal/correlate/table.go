package correlate

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ctpflow/logger"
)

// ErrTimeout is returned by Await when the reply did not arrive in time.
// The entry is removed on the way out, so a reply that shows up later is
// treated as unmatched and discarded.
var ErrTimeout = errors.New("pending request timed out")

// Pending is one in-flight request awaiting its reply. It resolves at most
// once; any number of goroutines may Await it.
type Pending struct {
	key     string
	created time.Time
	table   *Table

	done     chan struct{}
	mu       sync.Mutex
	resolved bool
	value    any
	err      error
}

// Key returns the correlation key the request was registered under.
func (p *Pending) Key() string { return p.key }

func (p *Pending) resolve(v any, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	p.value = v
	p.err = err
	close(p.done)
	return true
}

// Await blocks until the request resolves or the timeout elapses. On timeout
// the entry is dropped from the table first, then ErrTimeout is returned.
func (p *Pending) Await(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.value, p.err
	case <-timer.C:
		// A resolution racing the timer wins.
		select {
		case <-p.done:
			return p.value, p.err
		default:
		}
		p.table.drop(p.key, p)
		return nil, ErrTimeout
	}
}

// Table correlates outbound requests with gateway replies by key. Every
// request registers under a fresh key before it is sent; the reply resolves
// it exactly once. Unmatched or repeated replies are logged and ignored.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	nextID  atomic.Int64
	log     *logger.Log
}

func NewTable() *Table {
	return &Table{
		pending: make(map[string]*Pending),
		log:     logger.GetLogger(),
	}
}

// NextID hands out process-wide unique request identifiers for the wire.
func (t *Table) NextID() int64 {
	return t.nextID.Add(1)
}

// Register creates a pending entry under key. The key must be unique among
// in-flight requests; reusing one replaces the older entry, which then can
// never resolve, so keys are always derived from fresh identifiers.
func (t *Table) Register(key string) *Pending {
	p := &Pending{
		key:     key,
		created: time.Now(),
		table:   t,
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.pending[key] = p
	t.mu.Unlock()
	return p
}

// Ensure returns the pending entry under key, creating it when none is in
// flight. The second result reports whether this call created the entry.
// Query callers use it to share one outstanding request per instrument: the
// creator sends the request, everyone awaits the same resolution.
func (t *Table) Ensure(key string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[key]; ok {
		return p, false
	}
	p := &Pending{
		key:     key,
		created: time.Now(),
		table:   t,
		done:    make(chan struct{}),
	}
	t.pending[key] = p
	return p, true
}

// Resolve completes the pending request under key with a value. It reports
// whether a waiter was matched.
func (t *Table) Resolve(key string, v any) bool {
	return t.complete(key, v, nil)
}

// Fail completes the pending request under key with an error.
func (t *Table) Fail(key string, err error) bool {
	return t.complete(key, nil, err)
}

func (t *Table) complete(key string, v any, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.log.WithComponent("correlate").WithFields(logger.Fields{
			"key": key,
		}).Warn("reply with no pending request, discarded")
		return false
	}
	if !p.resolve(v, err) {
		t.log.WithComponent("correlate").WithFields(logger.Fields{
			"key": key,
		}).Warn("duplicate resolution attempt ignored")
		return false
	}

	t.log.WithComponent("correlate").WithFields(logger.Fields{
		"key":        key,
		"elapsed_ms": float64(time.Since(p.created).Nanoseconds()) / 1e6,
	}).Debug("request resolved")
	return true
}

// FailAll resolves every in-flight request with err. Used when the runtime
// loop dies or the facade stops, nothing may stay blocked forever.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*Pending)
	t.mu.Unlock()

	for _, p := range pending {
		p.resolve(nil, err)
	}
	if len(pending) > 0 {
		t.log.WithComponent("correlate").WithFields(logger.Fields{
			"count": len(pending),
		}).Warn("failed all pending requests")
	}
}

func (t *Table) drop(key string, p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[key]; ok && cur == p {
		delete(t.pending, key)
	}
}

// Has reports whether key is currently pending. Order status pushes keep
// arriving under the same key long after the first one resolved it; callers
// probe with Has instead of burning a discarded resolution on each.
func (t *Table) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Len reports the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
