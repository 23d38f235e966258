package zigbee

import (
	"sync"
	"time"
)

// Timer is the timer service the ASH/EZSP layers consume (§6). Durations are
// expressed in milliseconds and are expected to stay under 65535ms, mirroring
// the NCP-side ASH timer resolution.
type Timer interface {
	// Start arms the timer; callback fires on its own goroutine unless the
	// timer is stopped first. Starting an already-running timer restarts it.
	Start(durationMs int, callback func())
	// Stop disarms the timer. Safe to call on an already-stopped timer.
	Stop()
	// IsRunning reports whether the timer is currently armed.
	IsRunning() bool
}

// systemTimer implements Timer over time.AfterFunc.
type systemTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	running bool
}

// newSystemTimer creates a Timer backed by the runtime's monotonic clock.
func newSystemTimer() *systemTimer {
	return &systemTimer{}
}

func (s *systemTimer) Start(durationMs int, callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t != nil {
		s.t.Stop()
	}

	s.running = true
	s.t = time.AfterFunc(time.Duration(durationMs)*time.Millisecond, func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		callback()
	})
}

func (s *systemTimer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
	s.running = false
}

func (s *systemTimer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
