package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

// PlanRepo is the persistence PlanService needs; repository.PlanRepository implements it.
type PlanRepo interface {
	List(ctx context.Context) ([]models.Plan, error)
	ListActive(ctx context.Context) ([]models.Plan, error)
	GetDefault(ctx context.Context) (*models.Plan, error)
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	Create(ctx context.Context, plan *models.Plan) (*models.Plan, error)
	Update(ctx context.Context, plan *models.Plan) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

var ErrInvalidPlan = errors.New("invalid plan")

// PlanService manages the purchasable credit packages.
type PlanService struct {
	cfg  config.Config
	repo PlanRepo
}

var _ PlanCatalog = (*PlanService)(nil)

type CreatePlanInput struct {
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        *bool
}

type UpdatePlanInput struct {
	Title           *string
	Description     *string
	Currency        *string
	PriceMinorUnits *int
	Credits         *int
	IsActive        *bool
}

func NewPlanService(cfg config.Config, repo PlanRepo) *PlanService {
	return &PlanService{cfg: cfg, repo: repo}
}

func (s *PlanService) EnsureDefaultPlan(ctx context.Context) error {
	plan, err := s.repo.GetDefault(ctx)
	if err != nil {
		return err
	}
	if plan != nil {
		return nil
	}
	if s.cfg.PaymentCreditsPerPackage <= 0 || s.cfg.PaymentPriceMinorUnits <= 0 {
		return fmt.Errorf("default plan needs positive PAYMENT_CREDITS_PER_PACKAGE and PAYMENT_PRICE_MINOR_UNITS")
	}
	defaultPlan := &models.Plan{
		Title:           "Hairstyle credits",
		Description:     fmt.Sprintf("%d hairstyle generations", s.cfg.PaymentCreditsPerPackage),
		Currency:        s.cfg.PaymentCurrency,
		PriceMinorUnits: s.cfg.PaymentPriceMinorUnits,
		Credits:         s.cfg.PaymentCreditsPerPackage,
		IsActive:        true,
	}
	if _, err := s.repo.Create(ctx, defaultPlan); err != nil {
		return fmt.Errorf("create default plan: %w", err)
	}
	return nil
}

func (s *PlanService) List(ctx context.Context) ([]models.Plan, error) {
	return s.repo.List(ctx)
}

// ListActive is the public catalog.
func (s *PlanService) ListActive(ctx context.Context) ([]models.Plan, error) {
	plans, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	return plans, nil
}

func (s *PlanService) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	plan := models.Plan{
		Title:           strings.TrimSpace(input.Title),
		Description:     input.Description,
		Currency:        input.Currency,
		PriceMinorUnits: input.PriceMinorUnits,
		Credits:         input.Credits,
		IsActive:        true,
	}
	if plan.Currency == "" {
		plan.Currency = s.cfg.PaymentCurrency
	}
	if input.IsActive != nil {
		plan.IsActive = *input.IsActive
	}
	if err := validatePlan(&plan); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, &plan)
}

// Update applies the non-nil fields. The merged plan must still be sellable.
func (s *PlanService) Update(ctx context.Context, id int64, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPlanNotFound
	}
	if input.Title != nil {
		existing.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Currency != nil {
		existing.Currency = *input.Currency
	}
	if input.PriceMinorUnits != nil {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.Credits != nil {
		existing.Credits = *input.Credits
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	if err := validatePlan(existing); err != nil {
		return nil, err
	}
	return s.repo.Update(ctx, existing)
}

// Delete takes the plan off sale. Sessions opened for it still reconcile.
func (s *PlanService) Delete(ctx context.Context, id int64) error {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrPlanNotFound
	}
	return s.repo.Delete(ctx, id)
}

func validatePlan(p *models.Plan) error {
	p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
	switch {
	case p.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidPlan)
	case len(p.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidPlan)
	case p.PriceMinorUnits <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidPlan)
	case p.Credits <= 0:
		return fmt.Errorf("%w: credits must be positive", ErrInvalidPlan)
	}
	return nil
}

func (s *PlanService) GetDefault(ctx context.Context) (*models.Plan, error) {
	return s.repo.GetDefault(ctx)
}

func (s *PlanService) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.repo.GetByID(ctx, id)
}
