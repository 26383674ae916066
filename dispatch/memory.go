package dispatch

import (
	"context"
	"sync"

	"github.com/petal-labs/reelflow/core"
)

// MemoryDispatcher keeps jobs in memory instead of sending them. It backs
// `serve --dry-run` and tests.
type MemoryDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	fail map[Kind]error
}

// NewMemoryDispatcher creates an empty MemoryDispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{fail: make(map[Kind]error)}
}

// Dispatch records the job, or returns the failure configured for its kind.
func (m *MemoryDispatcher) Dispatch(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[job.Kind]; ok {
		return &core.DispatchError{Kind: string(job.Kind), Cause: err}
	}
	m.jobs = append(m.jobs, job)
	return nil
}

// FailKind makes every later dispatch of kind fail with cause. A nil cause
// clears the failure.
func (m *MemoryDispatcher) FailKind(kind Kind, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cause == nil {
		delete(m.fail, kind)
		return
	}
	m.fail[kind] = cause
}

// Jobs returns a copy of the accepted jobs in dispatch order.
func (m *MemoryDispatcher) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.jobs...)
}

// JobsOf returns the accepted jobs of one kind.
func (m *MemoryDispatcher) JobsOf(kind Kind) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

// Reset forgets accepted jobs.
func (m *MemoryDispatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = nil
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
