package history

import (
	"sync"

	"go.waggle.dev/waggle/pkg/types"
)

// Attempt is one recorded run of a test entry on a worker.
// Status is empty while the attempt is still in flight.
type Attempt struct {
	WorkerID types.WorkerID
	Status   types.TestStatus
}

// Finished reports whether the attempt has a final status.
func (a Attempt) Finished() bool {
	return a.Status != ""
}

// Storage is the append-only per-(fingerprint, entry) attempt ledger.
type Storage struct {
	mu      sync.Mutex
	records map[ID][]Attempt
}

// NewStorage creates empty history storage.
func NewStorage() *Storage {
	return &Storage{records: make(map[ID][]Attempt)}
}

// RegisterAttempt opens an attempt of a test entry on a worker.
// Idempotent: a worker has at most one open attempt per history ID.
func (s *Storage) RegisterAttempt(id ID, workerID types.WorkerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.records[id] {
		if a.WorkerID == workerID && !a.Finished() {
			return
		}
	}
	s.records[id] = append(s.records[id], Attempt{WorkerID: workerID})
}

// RegisterResult closes the worker's open attempt with the given status.
// With no open attempt, a finished attempt is appended instead, unless the
// worker's latest finished attempt already carries the same status.
func (s *Storage) RegisterResult(id ID, workerID types.WorkerID, status types.TestStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.records[id]
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].WorkerID != workerID {
			continue
		}
		if !attempts[i].Finished() {
			attempts[i].Status = status
			return
		}
		if attempts[i].Status == status {
			return
		}
		break
	}
	s.records[id] = append(attempts, Attempt{WorkerID: workerID, Status: status})
}

// Attempts returns a copy of all recorded attempts for a history ID.
func (s *Storage) Attempts(id ID) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.records[id]...)
}

// FailureCount counts the worker's failed attempts of a test entry.
func (s *Storage) FailureCount(id ID, workerID types.WorkerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, a := range s.records[id] {
		if a.WorkerID == workerID && a.Status == types.TestStatusFailed {
			n++
		}
	}
	return n
}

// WorkersWhoFailed returns the set of workers with at least one failed attempt.
func (s *Storage) WorkersWhoFailed(id ID) map[types.WorkerID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.WorkerID]struct{})
	for _, a := range s.records[id] {
		if a.Status == types.TestStatusFailed {
			out[a.WorkerID] = struct{}{}
		}
	}
	return out
}

// RetryRelevantCount counts attempts that consumed retry budget.
// Failed attempts count against the worker; lost attempts only against the budget.
func (s *Storage) RetryRelevantCount(id ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, a := range s.records[id] {
		if a.Status == types.TestStatusFailed || a.Status == types.TestStatusLost {
			n++
		}
	}
	return n
}
