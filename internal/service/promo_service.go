package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/repository"
)

var (
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
)

// PromoRepo is the persistence PromoService needs; repository.PromoRepository implements it.
type PromoRepo interface {
	List(ctx context.Context) ([]models.PromoCode, error)
	GetByID(ctx context.Context, id int64) (*models.PromoCode, error)
	Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Update(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
	Redeem(ctx context.Context, userID int64, code string) (credits int, balance int, err error)
}

type PromoService struct {
	promos         PromoRepo
	defaultCredits int
}

type Redemption struct {
	Credits       int `json:"credits"`
	CreditBalance int `json:"credit_balance"`
}

type PromoInput struct {
	Code    string `json:"code"`
	Credits int    `json:"credits"`
	MaxUses int    `json:"max_uses"`
}

func NewPromoService(promos PromoRepo, defaultCredits int) *PromoService {
	return &PromoService{promos: promos, defaultCredits: defaultCredits}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply redeems code for userID. Each user can redeem a code once.
func (s *PromoService) Apply(ctx context.Context, userID int64, code string) (Redemption, error) {
	code = normalizeCode(code)
	if code == "" {
		return Redemption{}, ErrPromoInvalid
	}
	credits, balance, err := s.promos.Redeem(ctx, userID, code)
	switch {
	case errors.Is(err, repository.ErrPromoNotFound):
		return Redemption{}, ErrPromoInvalid
	case errors.Is(err, repository.ErrPromoExhausted):
		return Redemption{}, ErrPromoExhausted
	case errors.Is(err, repository.ErrPromoAlreadyRedeemed):
		return Redemption{}, ErrPromoAlreadyRedeemed
	case err != nil:
		return Redemption{}, fmt.Errorf("redeem promo: %w", err)
	}
	return Redemption{Credits: credits, CreditBalance: balance}, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Create(ctx context.Context, in PromoInput) (*models.PromoCode, error) {
	code := normalizeCode(in.Code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if in.MaxUses <= 0 {
		return nil, fmt.Errorf("max_uses must be positive")
	}
	credits := in.Credits
	if credits <= 0 {
		credits = s.defaultCredits
	}
	return s.promos.Create(ctx, &models.PromoCode{Code: code, Credits: credits, MaxUses: in.MaxUses})
}

func (s *PromoService) Update(ctx context.Context, id int64, in PromoInput) (*models.PromoCode, error) {
	existing, err := s.promos.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPromoInvalid
	}
	if code := normalizeCode(in.Code); code != "" {
		existing.Code = code
	}
	if in.Credits > 0 {
		existing.Credits = in.Credits
	}
	if in.MaxUses > 0 {
		existing.MaxUses = in.MaxUses
	}
	return s.promos.Update(ctx, existing)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
