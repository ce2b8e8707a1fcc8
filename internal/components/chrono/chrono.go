package chrono

import (
	"sync"
	"time"
)

// API is the clock used by anything that reasons about absolute time
// (session freshness in particular).
//
// note: fault injection point
type API interface {
	Now() time.Time
}

type StandardImpl struct{}

func NewStandardImpl() StandardImpl {
	return StandardImpl{}
}

func (StandardImpl) Now() time.Time {
	return time.Now()
}

// ManualImpl is a clock that only moves when told to.
type ManualImpl struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualImpl(start time.Time) *ManualImpl {
	return &ManualImpl{now: start}
}

func (m *ManualImpl) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualImpl) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
