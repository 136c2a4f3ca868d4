package dispatcher

import (
	"sync"
	"time"
)

// Config controls the dispatch engine.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

// RunState gates a source so at most one pipeline run is in flight (or
// queued) for it at a time. Acquire-before-enqueue means two triggers
// arriving in the same instant cannot both start a run.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// HistoryItem is one completed run, kept for operator diagnostics.
type HistoryItem struct {
	RunID    string
	SourceID int64
	Name     string
	Started  time.Time
	Duration time.Duration
	Inserted int
	Sent     int
	Error    string
}

// RunEvent is emitted on the event bus for run lifecycle events.
type RunEvent struct {
	RunID    string        `json:"run_id"`
	SourceID int64         `json:"source_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Inserted int           `json:"inserted"`
	Sent     int           `json:"sent"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64
	History  []HistoryItem
}
