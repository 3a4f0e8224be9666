package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
	"github.com/Blockeeer/ai-hair-simulation/internal/jobs"
)

func TestRegister_ReportsLiveValues(t *testing.T) {
	cache := gencache.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tracker := jobs.NewTracker(nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, cache, tracker))

	ctx := context.Background()
	cache.Put(ctx, "k", "https://cdn/a.png")
	cache.Get(ctx, "k")
	cache.Get(ctx, "missing")
	tracker.Begin("job-1", 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "hairsim_cache_hits_total 1")
	assert.Contains(t, body, "hairsim_cache_misses_total 1")
	assert.Contains(t, body, "hairsim_cache_saves_total 1")
	assert.Contains(t, body, "hairsim_cache_evictions_total 0")
	assert.Contains(t, body, "hairsim_cache_entries 1")
	assert.Contains(t, body, "hairsim_jobs_active 1")
}

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	cache := gencache.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tracker := jobs.NewTracker(nil)
	require.NoError(t, Register(reg, cache, tracker))
	assert.Error(t, Register(reg, cache, tracker))
}
