package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
	"github.com/Blockeeer/ai-hair-simulation/internal/jobs"
	"github.com/Blockeeer/ai-hair-simulation/internal/kie"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGenerator struct {
	calls atomic.Int32
	err   error
	delay time.Duration
	// during, if set, runs inside the provider call.
	during func()
	models []string
	mu     sync.Mutex
}

func (g *fakeGenerator) EditHairstyle(ctx context.Context, sourceURL string, params models.StyleParams) (string, error) {
	n := g.calls.Add(1)
	g.mu.Lock()
	g.models = append(g.models, params.Model)
	g.mu.Unlock()
	if g.during != nil {
		g.during()
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("https://cdn/result-%d.png", n), nil
}

type fakePhotos struct{ uploads atomic.Int32 }

func (p *fakePhotos) Upload(_ context.Context, _ []byte, _ string) (string, error) {
	n := p.uploads.Add(1)
	return fmt.Sprintf("https://s3/photo-%d.jpg", n), nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []models.GenerationLog
}

func (h *fakeHistory) Log(_ context.Context, e *models.GenerationLog) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

func (h *fakeHistory) ListByUser(_ context.Context, userID int64, _ int) ([]models.GenerationLog, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.GenerationLog
	for _, e := range h.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type harness struct {
	svc     *GenerationService
	store   *quota.MemoryStore
	tracker *jobs.Tracker
	gen     *fakeGenerator
	history *fakeHistory
}

func newHarness(t *testing.T, st models.QuotaState, cfg config.Config) *harness {
	t.Helper()
	store := quota.NewMemoryStore()
	st.UserID = 1
	st.LastResetDate = time.Now().UTC().Format(time.DateOnly)
	store.Put(st)

	h := &harness{
		store:   store,
		tracker: jobs.NewTracker(nil),
		gen:     &fakeGenerator{},
		history: &fakeHistory{},
	}
	h.svc = NewGenerationService(cfg, discard, quota.NewLedger(store), gencache.New(discard), h.tracker, h.gen, &fakePhotos{}, h.history)
	return h
}

const defaultModel = "google/nano-banana-edit"

func defaultConfig() config.Config {
	return config.Config{
		GenerationTimeout: time.Second,
		CacheHitsAreFree:  true,
		KIEModel:          defaultModel,
		KIEAllowedModels:  []string{defaultModel, "nano"},
	}
}

func request() GenerateRequest {
	return GenerateRequest{
		UserID: 1,
		Image:  []byte("jpeg bytes of a face"),
		Params: models.StyleParams{Style: "bob", Color: "blonde", Model: "nano", Gender: "female"},
	}
}

func (h *harness) quota(t *testing.T) models.QuotaState {
	t.Helper()
	st, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	return st
}

func TestGenerate_MissCallsProviderAndCommits(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())

	var ticket jobs.Ticket
	req := request()
	req.OnQueued = func(tk jobs.Ticket) { ticket = tk }

	res, err := h.svc.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/result-1.png", res.ResultURL)
	assert.Equal(t, models.FundingFree, res.Source)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, ticket.Position)
	assert.Equal(t, res.JobID, ticket.JobID)

	assert.Equal(t, 1, h.quota(t).FreeUsedToday)
	assert.Equal(t, 0, h.tracker.Snapshot().ActiveJobs)
	require.Len(t, h.history.entries, 1)
	assert.Equal(t, models.FundingFree, h.history.entries[0].Source)
}

func TestGenerate_IdenticalRequestServedFromCache(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())
	ctx := context.Background()

	first, err := h.svc.Generate(ctx, request())
	require.NoError(t, err)

	req := request()
	req.Params.Color = "Blonde "
	second, err := h.svc.Generate(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, models.FundingCache, second.Source)
	assert.Equal(t, first.ResultURL, second.ResultURL)
	assert.Equal(t, int32(1), h.gen.calls.Load(), "provider must not be called for a cache hit")
	assert.Equal(t, 1, h.quota(t).FreeUsedToday, "cache hit must not be charged")
	require.Len(t, h.history.entries, 2)
	assert.Equal(t, models.FundingCache, h.history.entries[1].Source)
}

func TestGenerate_CacheHitChargedWhenPolicyDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.CacheHitsAreFree = false
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, cfg)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, request())
	require.NoError(t, err)
	res, err := h.svc.Generate(ctx, request())
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, models.FundingFree, res.Source)
	assert.Equal(t, int32(1), h.gen.calls.Load())
	assert.Equal(t, 2, h.quota(t).FreeUsedToday)
}

func TestGenerate_CacheHitStillRequiresAdmission(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 1}, defaultConfig())
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, request())
	require.NoError(t, err)

	_, err = h.svc.Generate(ctx, request())
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
}

func TestGenerate_ProviderFailureReleasesJobAndKeepsQuota(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 0, CreditBalance: 2}, defaultConfig())
	h.gen.err = fmt.Errorf("%w: status=502", kie.ErrUnavailable)

	var activeDuringCall int
	h.gen.during = func() { activeDuringCall = h.tracker.Snapshot().ActiveJobs }

	before := h.tracker.Snapshot().ActiveJobs
	_, err := h.svc.Generate(context.Background(), request())

	require.ErrorIs(t, err, ErrProviderUnavailable)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, activeDuringCall)
	assert.Equal(t, before, h.tracker.Snapshot().ActiveJobs)
	assert.Equal(t, 2, h.quota(t).CreditBalance)
	assert.Empty(t, h.history.entries)

	// A failed generation is not cached: the retry reaches the provider.
	h.gen.err = nil
	res, err := h.svc.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, models.FundingCredit, res.Source)
	assert.Equal(t, 1, h.quota(t).CreditBalance)
}

func TestGenerate_ProviderRejection(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())
	h.gen.err = fmt.Errorf("%w: nsfw", kie.ErrTaskRejected)

	_, err := h.svc.Generate(context.Background(), request())
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.Equal(t, 0, h.quota(t).FreeUsedToday)
}

func TestGenerate_ProviderTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, cfg)
	h.gen.delay = time.Second

	_, err := h.svc.Generate(context.Background(), request())
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.quota(t).FreeUsedToday)
	assert.Equal(t, 0, h.tracker.Snapshot().ActiveJobs)
}

func TestGenerate_QuotaExceededSkipsProvider(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3, FreeUsedToday: 3}, defaultConfig())

	_, err := h.svc.Generate(context.Background(), request())
	var exceeded *quota.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 0, exceeded.Remaining)
	assert.True(t, exceeded.CanPurchase)
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestGenerate_BlankModelSharesDefaultModelEntry(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())
	ctx := context.Background()

	req := request()
	req.Params.Model = ""
	first, err := h.svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	req.Params.Model = " Google/Nano-Banana-Edit"
	second, err := h.svc.Generate(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, int32(1), h.gen.calls.Load())
	assert.Equal(t, 1, h.quota(t).FreeUsedToday)
	assert.Equal(t, []string{defaultModel}, h.gen.models)
}

func TestGenerate_ProviderReceivesResolvedModel(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())

	req := request()
	req.Params.Model = "  NANO "
	_, err := h.svc.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"nano"}, h.gen.models)
}

func TestGenerate_UnknownModelRejected(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())

	req := request()
	req.Params.Model = "some/expensive-model"
	_, err := h.svc.Generate(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, int32(0), h.gen.calls.Load())
	assert.Equal(t, 0, h.quota(t).FreeUsedToday)
}

func TestGenerate_Validation(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 3}, defaultConfig())
	ctx := context.Background()

	req := request()
	req.Image = nil
	_, err := h.svc.Generate(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req = request()
	req.Params.Style = "  "
	_, err = h.svc.Generate(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGenerate_ConcurrentCreditUsersNeverOverspend(t *testing.T) {
	h := newHarness(t, models.QuotaState{FreeDailyLimit: 0, CreditBalance: 3}, defaultConfig())
	h.gen.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request()
			req.Image = []byte(fmt.Sprintf("photo-%d", i))
			_, _ = h.svc.Generate(context.Background(), req)
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, h.quota(t).CreditBalance, 0)
	assert.Equal(t, 0, h.tracker.Snapshot().ActiveJobs)
}
