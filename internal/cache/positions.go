package cache

import (
	"sync"

	"ctpflow/models"
)

// PositionStore keeps the merged position per instrument. An instrument that
// was never queried reads as the zero position, absence is not an error.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]models.Position
}

func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]models.Position)}
}

// Get returns the cached position, or a zero position carrying only the
// instrument id when nothing is cached.
func (s *PositionStore) Get(instrumentID string) models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions[instrumentID]; ok {
		return p
	}
	return models.Position{InstrumentID: instrumentID}
}

// Apply merges one query response row into the cached position and returns
// the result. Long and short rows arrive separately and replace only their
// own side. Called from the runtime loop goroutine.
func (s *PositionStore) Apply(row *models.InvestorPosition, volumeMultiple int) models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.positions[row.InstrumentID]
	p.InstrumentID = row.InstrumentID
	p.ApplyInvestorPosition(row, volumeMultiple)
	s.positions[row.InstrumentID] = p
	return p
}

// Len reports how many instruments have a cached position.
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
