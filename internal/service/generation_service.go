package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
	"github.com/Blockeeer/ai-hair-simulation/internal/jobs"
	"github.com/Blockeeer/ai-hair-simulation/internal/kie"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
)

var (
	ErrInvalidInput        = errors.New("invalid generation request")
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrProviderRejected    = errors.New("ai provider rejected the request")
	ErrProviderTimeout     = errors.New("ai provider timed out")
)

const maxImageBytes = 10 << 20

// ProviderError is a failed AI call. Kind is one of the ErrProvider* sentinels;
// errors.Is matches both Kind and the underlying cause.
type ProviderError struct {
	Kind error
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Generator is the external AI image-edit provider.
type Generator interface {
	EditHairstyle(ctx context.Context, sourceURL string, params models.StyleParams) (string, error)
}

// PhotoStore makes the uploaded photo reachable by URL for the provider.
type PhotoStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type GenerationHistory interface {
	Log(ctx context.Context, entry *models.GenerationLog) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.GenerationLog, error)
}

type GenerateRequest struct {
	UserID      int64
	Image       []byte
	ContentType string
	Params      models.StyleParams
	// OnQueued, if set, is called once the job is registered, before the provider call.
	OnQueued func(jobs.Ticket)
}

type GenerateResult struct {
	ResultURL string               `json:"result_url"`
	Source    models.FundingSource `json:"funding_source"`
	Cached    bool                 `json:"cached"`
	JobID     string               `json:"job_id,omitempty"`
	CacheKey  string               `json:"cache_key"`
}

// GenerationService drives one generation request through admission, cache,
// provider and commit.
type GenerationService struct {
	ledger    *quota.Ledger
	cache     *gencache.Cache
	tracker   *jobs.Tracker
	generator Generator
	photos    PhotoStore
	history   GenerationHistory
	log       *slog.Logger

	timeout time.Duration
	// defaultModel fills a blank model before keying, so both reach the same cache entry.
	defaultModel  string
	allowedModels []string
	// cacheHitsAreFree serves cached results without charging the admitted funding source.
	cacheHitsAreFree bool
}

func NewGenerationService(cfg config.Config, log *slog.Logger, ledger *quota.Ledger, cache *gencache.Cache, tracker *jobs.Tracker,
	generator Generator, photos PhotoStore, history GenerationHistory) *GenerationService {
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GenerationService{
		ledger:           ledger,
		cache:            cache,
		tracker:          tracker,
		generator:        generator,
		photos:           photos,
		history:          history,
		log:              log,
		timeout:          timeout,
		defaultModel:     cfg.KIEModel,
		allowedModels:    cfg.KIEAllowedModels,
		cacheHitsAreFree: cfg.CacheHitsAreFree,
	}
}

func (s *GenerationService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	model, err := s.resolveModel(req.Params.Model)
	if err != nil {
		return nil, err
	}
	req.Params.Model = model

	adm, err := s.ledger.Admit(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	key := gencache.Key(gencache.Fingerprint(req.Image), req.Params)
	if entry := s.cache.Get(ctx, key); entry != nil {
		return s.serveCached(ctx, req, adm, key, entry), nil
	}

	jobID := uuid.NewString()
	ticket := s.tracker.Begin(jobID, req.UserID)
	success := false
	defer func() { s.tracker.End(jobID, success) }()

	if req.OnQueued != nil {
		req.OnQueued(ticket)
	}

	resultURL, err := s.callProvider(ctx, req)
	if err != nil {
		s.log.Warn("generation failed", "user_id", req.UserID, "job_id", jobID, "err", err)
		return nil, err
	}
	success = true

	s.cache.Put(ctx, key, resultURL)
	s.commit(ctx, adm)
	s.record(ctx, req, adm.Source, resultURL)

	return &GenerateResult{
		ResultURL: resultURL,
		Source:    adm.Source,
		JobID:     jobID,
		CacheKey:  key,
	}, nil
}

func (s *GenerationService) serveCached(ctx context.Context, req GenerateRequest, adm quota.Admission, key string, entry *gencache.Entry) *GenerateResult {
	source := models.FundingCache
	if !s.cacheHitsAreFree {
		s.commit(ctx, adm)
		source = adm.Source
	}
	s.record(ctx, req, source, entry.ResultURL)
	s.log.Info("generation served from cache", "user_id", req.UserID, "source", source)
	return &GenerateResult{
		ResultURL: entry.ResultURL,
		Source:    source,
		Cached:    true,
		CacheKey:  key,
	}
}

func (s *GenerationService) callProvider(ctx context.Context, req GenerateRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	photoURL, err := s.photos.Upload(callCtx, req.Image, req.ContentType)
	if err != nil {
		return "", classifyProviderError(fmt.Errorf("upload photo: %w", err))
	}
	resultURL, err := s.generator.EditHairstyle(callCtx, photoURL, req.Params)
	if err != nil {
		return "", classifyProviderError(err)
	}
	return resultURL, nil
}

// commit charges the admission. The image is already delivered, so a failed
// commit is logged and never surfaced.
func (s *GenerationService) commit(ctx context.Context, adm quota.Admission) {
	if err := s.ledger.Commit(ctx, adm); err != nil {
		s.log.Error("quota commit failed", "user_id", adm.UserID, "source", adm.Source, "err", err)
	}
}

func (s *GenerationService) record(ctx context.Context, req GenerateRequest, source models.FundingSource, resultURL string) {
	if s.history == nil {
		return
	}
	entry := &models.GenerationLog{
		UserID:    req.UserID,
		Params:    req.Params,
		Source:    source,
		ResultURL: resultURL,
	}
	if err := s.history.Log(ctx, entry); err != nil {
		s.log.Error("failed to log generation", "user_id", req.UserID, "err", err)
	}
}

func (s *GenerationService) QueueStatus() jobs.Snapshot {
	return s.tracker.Snapshot()
}

func (s *GenerationService) Report(ctx context.Context, userID int64) (quota.Report, error) {
	return s.ledger.Report(ctx, userID)
}

// Grant adds credits outside the payment flow.
func (s *GenerationService) Grant(ctx context.Context, userID int64, credits int) (int, error) {
	return s.ledger.Grant(ctx, userID, credits)
}

func (s *GenerationService) History(ctx context.Context, userID int64, limit int) ([]models.GenerationLog, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListByUser(ctx, userID, limit)
}

// resolveModel returns the provider model id the request runs on. The cache key
// and the provider call both use this value.
func (s *GenerationService) resolveModel(requested string) (string, error) {
	model := strings.ToLower(strings.TrimSpace(requested))
	if model == "" {
		model = s.defaultModel
	}
	if model == "" || model == s.defaultModel {
		return model, nil
	}
	if !slices.Contains(s.allowedModels, model) {
		return "", fmt.Errorf("%w: model %q is not available", ErrInvalidInput, requested)
	}
	return model, nil
}

func validate(req GenerateRequest) error {
	if req.UserID == 0 {
		return fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if len(req.Image) == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if len(req.Image) > maxImageBytes {
		return fmt.Errorf("%w: image larger than %d bytes", ErrInvalidInput, maxImageBytes)
	}
	if strings.TrimSpace(req.Params.Style) == "" {
		return fmt.Errorf("%w: style is required", ErrInvalidInput)
	}
	return nil
}

func classifyProviderError(err error) error {
	kind := ErrProviderUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrProviderTimeout
	case errors.Is(err, kie.ErrTaskRejected):
		kind = ErrProviderRejected
	}
	return &ProviderError{Kind: kind, Err: err}
}
