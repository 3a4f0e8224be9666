package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(NewMovingAverage(50, 0.8, 30*time.Second), WithClock(clock.Now))
	return tr, clock
}

func TestBegin_PositionIncreases(t *testing.T) {
	tr, _ := newTestTracker()

	a := tr.Begin("a", 1)
	b := tr.Begin("b", 2)

	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
	assert.Greater(t, b.Position, a.Position)
}

func TestBegin_EstimateUsesConcurrencyFactor(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Begin("a", 1)
	ticket := tr.Begin("b", 1)

	// 2 * 30s * 0.8 = 48s
	assert.Equal(t, 48, ticket.EstimatedWaitSeconds())
}

func TestEnd_UnknownJobIsNoop(t *testing.T) {
	tr, _ := newTestTracker()

	tr.Begin("a", 1)
	tr.End("a", true)
	tr.End("a", true)
	tr.End("never-started", false)

	assert.Equal(t, 0, tr.Snapshot().ActiveJobs)
}

func TestEnd_FailureDoesNotFeedAverage(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Begin("a", 1)
	clock.Advance(5 * time.Second)
	tr.End("a", false)

	assert.Equal(t, 30*time.Second, tr.Snapshot().AverageProcessingTime)
}

func TestEnd_SuccessUpdatesAverage(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Begin("a", 1)
	clock.Advance(10 * time.Second)
	tr.End("a", true)

	snap := tr.Snapshot()
	assert.Equal(t, 10*time.Second, snap.AverageProcessingTime)
	// next job would be position 1: 1 * 10s * 0.8
	assert.Equal(t, 8*time.Second, snap.EstimatedWaitForNext)
}

func TestAverage_FollowsRecentWindow(t *testing.T) {
	tr, clock := newTestTracker()

	run := func(prefix string, n int, d time.Duration) {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-%d", prefix, i)
			tr.Begin(id, 1)
			clock.Advance(d)
			tr.End(id, true)
		}
	}
	run("fast", 50, 10*time.Second)
	run("slow", 50, 40*time.Second)

	assert.Equal(t, 40*time.Second, tr.Snapshot().AverageProcessingTime)
}

func TestConcurrentBeginEnd(t *testing.T) {
	tr, _ := newTestTracker()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			tr.Begin(id, int64(i))
			_ = tr.Snapshot()
			tr.End(id, i%2 == 0)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, tr.Snapshot().ActiveJobs)
}

func TestMovingAverage_Defaults(t *testing.T) {
	m := NewMovingAverage(0, 2, 0)

	assert.Equal(t, DefaultProcessingTime, m.Average())
	assert.Equal(t, time.Duration(0), m.Estimate(0, time.Minute))
	assert.Equal(t, 24*time.Second, m.Estimate(1, DefaultProcessingTime))
}
