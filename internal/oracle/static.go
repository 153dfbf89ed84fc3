package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Static is an in-memory, manually adjustable feed for development and
// tests. Prices are set by the operator; timestamps default to the set time.
type Static struct {
	mu    sync.RWMutex
	now   func() time.Time
	feeds map[string]Observation
}

func NewStatic() *Static {
	return &Static{
		now:   time.Now,
		feeds: make(map[string]Observation),
	}
}

// NewStaticWithClock injects a clock so tests control observation times.
func NewStaticWithClock(now func() time.Time) *Static {
	return &Static{
		now:   now,
		feeds: make(map[string]Observation),
	}
}

// SetPrice publishes a price for a feed at the current clock reading.
func (s *Static) SetPrice(feedID string, value int64, decimals int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[feedID] = Observation{
		Value:     value,
		Decimals:  decimals,
		Timestamp: s.now().Unix(),
	}
}

// SimulateCrash drops a feed's price by the given percentage.
func (s *Static) SimulateCrash(feedID string, dropPercent int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.feeds[feedID]
	if !ok {
		return
	}
	obs.Value = obs.Value * (100 - dropPercent) / 100
	obs.Timestamp = s.now().Unix()
	s.feeds[feedID] = obs
}

// SimulateDepeg forces a stable-asset feed to $0.85 at its current scale.
func (s *Static) SimulateDepeg(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.feeds[feedID]
	if !ok {
		return
	}
	peg := pow10(int(obs.Decimals))
	obs.Value = peg * 85 / 100
	obs.Timestamp = s.now().Unix()
	s.feeds[feedID] = obs
}

// GetPrice returns the currently published observation.
func (s *Static) GetPrice(_ context.Context, feedID string) (Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.feeds[feedID]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %q", ErrUnknownFeed, feedID)
	}
	return obs, nil
}

func pow10(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}

var _ PriceFeed = (*Static)(nil)
