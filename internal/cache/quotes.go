package cache

import (
	"errors"
	"sync"
	"time"

	"ctpflow/models"
)

// ErrWaitTimeout is returned by WaitUpdate when no fresh quote arrives
// within the deadline. Callers must be able to tell a timeout from a quote,
// stale data is never handed back silently.
var ErrWaitTimeout = errors.New("quote update wait timed out")

// QuoteStore holds the latest quote per instrument and wakes blocked waiters
// when a newer one lands. Updates come only from the runtime loop goroutine,
// reads and waits come from any strategy goroutine.
type QuoteStore struct {
	mu      sync.RWMutex
	seq     uint64
	quotes  map[string]models.Quote
	waiters map[string][]chan models.Quote
}

func NewQuoteStore() *QuoteStore {
	return &QuoteStore{
		quotes:  make(map[string]models.Quote),
		waiters: make(map[string][]chan models.Quote),
	}
}

// Update stamps the quote with the next sequence number, stores it and
// notifies every waiter registered for the instrument. Ordering is decided
// by the sequence alone, the exchange timestamps are informational.
func (s *QuoteStore) Update(q models.Quote) models.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	q.Seq = s.seq
	s.quotes[q.InstrumentID] = q

	for _, w := range s.waiters[q.InstrumentID] {
		// A full waiter buffer already holds a quote newer than the
		// waiter's registration, skipping is fine.
		select {
		case w <- q:
		default:
		}
	}
	return q
}

// Get returns the cached quote for the instrument, if any.
func (s *QuoteStore) Get(instrumentID string) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[instrumentID]
	return q, ok
}

// WaitUpdate blocks until a quote strictly newer than the time of the call
// is stored for the instrument, or the timeout elapses. The waiter is
// registered before the current cache state is released, so an update that
// races the call is never missed.
func (s *QuoteStore) WaitUpdate(instrumentID string, timeout time.Duration) (models.Quote, error) {
	w := make(chan models.Quote, 1)
	s.mu.Lock()
	s.waiters[instrumentID] = append(s.waiters[instrumentID], w)
	s.mu.Unlock()
	defer s.dropWaiter(instrumentID, w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q := <-w:
		return q, nil
	case <-timer.C:
		return models.Quote{}, ErrWaitTimeout
	}
}

func (s *QuoteStore) dropWaiter(instrumentID string, w chan models.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[instrumentID]
	for i, c := range ws {
		if c == w {
			s.waiters[instrumentID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[instrumentID]) == 0 {
		delete(s.waiters, instrumentID)
	}
}

// Len reports how many instruments currently have a cached quote.
func (s *QuoteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}
