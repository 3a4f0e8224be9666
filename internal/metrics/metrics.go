// Package metrics exposes the generation cache and job tracker counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
	"github.com/Blockeeer/ai-hair-simulation/internal/jobs"
)

const namespace = "hairsim"

// Register adds collectors that read cache and tracker state at scrape time.
func Register(reg prometheus.Registerer, cache *gencache.Cache, tracker *jobs.Tracker) error {
	cacheStat := func(pick func(gencache.Stats) float64) func() float64 {
		return func() float64 { return pick(cache.Stats()) }
	}

	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Generation requests served from the cache.",
		}, cacheStat(func(s gencache.Stats) float64 { return float64(s.Hits) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Generation requests that reached the AI provider.",
		}, cacheStat(func(s gencache.Stats) float64 { return float64(s.Misses) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "saves_total",
			Help: "Provider results stored in the cache.",
		}, cacheStat(func(s gencache.Stats) float64 { return float64(s.Saves) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries dropped to stay under the size limit.",
		}, cacheStat(func(s gencache.Stats) float64 { return float64(s.Evictions) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Entries held in the local cache tier.",
		}, cacheStat(func(s gencache.Stats) float64 { return float64(s.Entries) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "active",
			Help: "Generation jobs waiting on the AI provider.",
		}, func() float64 { return float64(tracker.Snapshot().ActiveJobs) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "average_processing_seconds",
			Help: "Moving average of successful generation time.",
		}, func() float64 { return tracker.Snapshot().AverageProcessingTime.Seconds() }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
