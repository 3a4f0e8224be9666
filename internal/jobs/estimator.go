package jobs

import (
	"math"
	"time"
)

// WaitEstimator turns completion history into a wait-time guess.
// Tracker serializes Observe and Average; Estimate is called from readers
// without the tracker lock and must only depend on its arguments and fixed settings.
type WaitEstimator interface {
	// Observe records one successful processing time and returns the new average.
	Observe(d time.Duration) time.Duration
	// Average returns the current average processing time.
	Average() time.Duration
	// Estimate returns the advisory wait for a job at the given 1-based position.
	Estimate(position int, average time.Duration) time.Duration
}

const (
	DefaultWindow            = 50
	DefaultConcurrencyFactor = 0.8
	DefaultProcessingTime    = 30 * time.Second
)

// MovingAverage averages the last Window samples and scales the
// position-based estimate by ConcurrencyFactor because jobs overlap.
type MovingAverage struct {
	window   int
	factor   float64
	fallback time.Duration

	samples []time.Duration
	next    int
	sum     time.Duration
}

func NewMovingAverage(window int, concurrencyFactor float64, fallback time.Duration) *MovingAverage {
	if window <= 0 {
		window = DefaultWindow
	}
	if concurrencyFactor <= 0 || concurrencyFactor > 1 {
		concurrencyFactor = DefaultConcurrencyFactor
	}
	if fallback <= 0 {
		fallback = DefaultProcessingTime
	}
	return &MovingAverage{
		window:   window,
		factor:   concurrencyFactor,
		fallback: fallback,
		samples:  make([]time.Duration, 0, window),
	}
}

func (m *MovingAverage) Observe(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if len(m.samples) < m.window {
		m.samples = append(m.samples, d)
	} else {
		m.sum -= m.samples[m.next]
		m.samples[m.next] = d
	}
	m.sum += d
	m.next = (m.next + 1) % m.window
	return m.Average()
}

func (m *MovingAverage) Average() time.Duration {
	if len(m.samples) == 0 {
		return m.fallback
	}
	return m.sum / time.Duration(len(m.samples))
}

func (m *MovingAverage) Estimate(position int, average time.Duration) time.Duration {
	if position <= 0 {
		return 0
	}
	seconds := float64(position) * average.Seconds() * m.factor
	return time.Duration(math.Round(seconds)) * time.Second
}
