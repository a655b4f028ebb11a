package cache

import (
	"sync"

	"ctpflow/models"
)

// InstrumentStore caches static instrument data from instrument queries.
// The volume multiple feeds the open price math on position rows.
type InstrumentStore struct {
	mu          sync.RWMutex
	instruments map[string]models.Instrument
}

func NewInstrumentStore() *InstrumentStore {
	return &InstrumentStore{instruments: make(map[string]models.Instrument)}
}

func (s *InstrumentStore) Get(instrumentID string) (models.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[instrumentID]
	return inst, ok
}

func (s *InstrumentStore) Set(inst models.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[inst.InstrumentID] = inst
}

// VolumeMultiple returns the contract multiplier for the instrument, or 0
// when the instrument has not been queried yet.
func (s *InstrumentStore) VolumeMultiple(instrumentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instruments[instrumentID].VolumeMultiple
}
