// Package jobs keeps in-memory bookkeeping of generation jobs that are waiting
// on the AI provider. Nothing here is persisted: a job exists from Begin until End.
package jobs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ticket is what a caller learns about its job when it starts.
type Ticket struct {
	JobID         string
	Position      int
	EstimatedWait time.Duration
}

// EstimatedWaitSeconds rounds the estimate to whole seconds for display.
func (t Ticket) EstimatedWaitSeconds() int {
	return int(t.EstimatedWait.Round(time.Second) / time.Second)
}

// Snapshot is an advisory, possibly slightly stale view of the tracker.
type Snapshot struct {
	ActiveJobs            int           `json:"active_jobs"`
	AverageProcessingTime time.Duration `json:"-"`
	EstimatedWaitForNext  time.Duration `json:"-"`
}

type job struct {
	userID    int64
	startedAt time.Time
}

// Tracker counts in-flight jobs and estimates wait times from recent completions.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]job
	estimator WaitEstimator
	now       func() time.Time

	activeCount atomic.Int64
	avgNanos    atomic.Int64
}

type Option func(*Tracker)

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(estimator WaitEstimator, opts ...Option) *Tracker {
	if estimator == nil {
		estimator = NewMovingAverage(DefaultWindow, DefaultConcurrencyFactor, DefaultProcessingTime)
	}
	t := &Tracker{
		active:    make(map[string]job),
		estimator: estimator,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.avgNanos.Store(int64(estimator.Average()))
	return t
}

// Begin registers a job and returns its position among active jobs, this one included.
// Beginning an id that is already active refreshes its start time.
func (t *Tracker) Begin(jobID string, userID int64) Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[jobID] = job{userID: userID, startedAt: t.now()}
	position := len(t.active)
	t.activeCount.Store(int64(position))

	return Ticket{
		JobID:         jobID,
		Position:      position,
		EstimatedWait: t.estimator.Estimate(position, t.estimator.Average()),
	}
}

// End removes a job. Successful jobs feed their elapsed time into the estimator.
// Ending an unknown or already-ended job is a no-op.
func (t *Tracker) End(jobID string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.active[jobID]
	if !ok {
		return
	}
	delete(t.active, jobID)
	t.activeCount.Store(int64(len(t.active)))

	if success {
		avg := t.estimator.Observe(t.now().Sub(j.startedAt))
		t.avgNanos.Store(int64(avg))
	}
}

// Snapshot reads the published counters without taking the tracker lock.
func (t *Tracker) Snapshot() Snapshot {
	active := int(t.activeCount.Load())
	avg := time.Duration(t.avgNanos.Load())
	return Snapshot{
		ActiveJobs:            active,
		AverageProcessingTime: avg,
		EstimatedWaitForNext:  t.estimator.Estimate(active+1, avg),
	}
}
