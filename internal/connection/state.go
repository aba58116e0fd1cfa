package connection

import (
	"sync"
	"time"
)

// State tracks the health of a single connection. It performs no I/O itself;
// the owning Connection calls MarkSuccess or MarkFailure exactly once per
// I/O attempt, which keeps health accounting centralized and auditable.
type State struct {
	mu sync.Mutex

	connected      bool
	lastError      string
	retryCount     uint64
	totalCommands  uint64
	failedCommands uint64
	lastSuccessAt  time.Time

	// now is replaceable in tests to make IsHealthy deterministic
	now func() time.Time
}

// Snapshot is a point-in-time copy of a connection's health counters.
type Snapshot struct {
	Connected      bool
	LastError      string
	RetryCount     uint64
	TotalCommands  uint64
	FailedCommands uint64
	LastSuccessAt  time.Time
}

// NewState creates connection state for a freshly constructed Connection.
func NewState() *State {
	return &State{now: time.Now}
}

// SetConnected records the transport-level connected flag.
func (s *State) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// Connected reports the transport-level connected flag.
func (s *State) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// MarkSuccess records a successful command attempt. It clears the last error,
// resets the retry counter and stamps the success time.
func (s *State) MarkSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ""
	s.retryCount = 0
	s.totalCommands++
	s.lastSuccessAt = s.now()
}

// MarkFailure records a failed command attempt.
func (s *State) MarkFailure(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = message
	s.retryCount++
	s.totalCommands++
	s.failedCommands++
}

// IsHealthy reports whether the connection is connected and has seen a
// successful command within the given window.
func (s *State) IsHealthy(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.lastSuccessAt.IsZero() {
		return false
	}
	if s.lastError != "" {
		return false
	}
	return s.now().Sub(s.lastSuccessAt) <= timeout
}

// Reset clears per-session fields after a reconnect. Cumulative command
// counters survive so long-term failure rates stay observable.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.lastError = ""
	s.retryCount = 0
	s.lastSuccessAt = time.Time{}
}

// Snapshot returns a copy of the current counters.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Connected:      s.connected,
		LastError:      s.lastError,
		RetryCount:     s.retryCount,
		TotalCommands:  s.totalCommands,
		FailedCommands: s.failedCommands,
		LastSuccessAt:  s.lastSuccessAt,
	}
}
