package scheduler

import (
	"sync"
	"time"
)

// TickStats accumulates scheduler counters across ticks. All methods
// are safe for concurrent use; completion handlers run on executor
// worker goroutines while the tick loop runs on its own.
type TickStats struct {
	mu sync.Mutex

	ticks            int64
	sourceDispatched int64
	derivedDispatch  int64
	completed        int64
	failed           int64
	staleRequeued    int64
	conflicts        int64

	lastTickAt       time.Time
	lastTickDuration time.Duration
}

// NewTickStats creates an empty stats accumulator.
func NewTickStats() *TickStats {
	return &TickStats{}
}

// RecordTick records one tick of the scheduler loop.
func (s *TickStats) RecordTick(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.lastTickAt = time.Now()
	s.lastTickDuration = d
}

// RecordSourceDispatch records n source chunks handed to the backend.
func (s *TickStats) RecordSourceDispatch(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceDispatched += int64(n)
}

// RecordDerivedDispatch records n derived chunks handed to the backend.
func (s *TickStats) RecordDerivedDispatch(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.derivedDispatch += int64(n)
}

// RecordCompletion records a chunk that finished.
func (s *TickStats) RecordCompletion(succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if succeeded {
		s.completed++
	} else {
		s.failed++
	}
}

// RecordStaleRequeue records n RUNNING chunks reset to PENDING.
func (s *TickStats) RecordStaleRequeue(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleRequeued += int64(n)
}

// RecordConflict records a guarded status transition that lost a race.
func (s *TickStats) RecordConflict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts++
}

// StatsSnapshot is a point-in-time copy of the scheduler counters.
type StatsSnapshot struct {
	Ticks             int64         `json:"ticks"`
	SourceDispatched  int64         `json:"source_dispatched"`
	DerivedDispatched int64         `json:"derived_dispatched"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	StaleRequeued     int64         `json:"stale_requeued"`
	Conflicts         int64         `json:"conflicts"`
	LastTickAt        time.Time     `json:"last_tick_at"`
	LastTickDuration  time.Duration `json:"last_tick_duration_ns"`
}

// Snapshot returns a copy of the current counters.
func (s *TickStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Ticks:             s.ticks,
		SourceDispatched:  s.sourceDispatched,
		DerivedDispatched: s.derivedDispatch,
		Completed:         s.completed,
		Failed:            s.failed,
		StaleRequeued:     s.staleRequeued,
		Conflicts:         s.conflicts,
		LastTickAt:        s.lastTickAt,
		LastTickDuration:  s.lastTickDuration,
	}
}
