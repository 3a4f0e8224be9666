package models

import (
	"strings"
	"time"
)

// FundingSource says what paid for a generation.
type FundingSource string

const (
	FundingFree   FundingSource = "free"
	FundingCredit FundingSource = "credit"
	// FundingCache marks a result served from the generation cache without a charge.
	FundingCache FundingSource = "cache"
)

// StyleParams are the user-selected transformation parameters sent to the AI provider.
type StyleParams struct {
	Style  string `json:"style"`
	Color  string `json:"color"`
	Model  string `json:"model"`
	Gender string `json:"gender"`
}

// Normalized returns a copy with every field trimmed and lower-cased.
func (p StyleParams) Normalized() StyleParams {
	return StyleParams{
		Style:  normalize(p.Style),
		Color:  normalize(p.Color),
		Model:  normalize(p.Model),
		Gender: normalize(p.Gender),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type User struct {
	ID         int64
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	Quota      QuotaState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// QuotaState is the per-user free allowance and credit balance stored on the user row.
type QuotaState struct {
	UserID         int64
	Tier           string
	FreeDailyLimit int
	FreeUsedToday  int
	CreditBalance  int
	// LastResetDate is the calendar day (YYYY-MM-DD) FreeUsedToday belongs to.
	LastResetDate string
}

// PaymentSession is one checkout attempt at the payment processor.
type PaymentSession struct {
	ID             int64
	SessionID      string
	UserID         int64
	PackageID      int64
	Provider       string
	CreditsGranted int
	Currency       string
	Amount         int
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}

// Processed reports whether credits for the session were already granted.
func (s *PaymentSession) Processed() bool {
	return s.ProcessedAt != nil
}

type GenerationLog struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	Params    StyleParams   `json:"params"`
	Source    FundingSource `json:"funding_source"`
	ResultURL string        `json:"result_url"`
	CreatedAt time.Time     `json:"created_at"`
}

type PromoCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Credits   int       `json:"credits"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a purchasable credit package.
type Plan struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Currency        string    `json:"currency"`
	PriceMinorUnits int       `json:"price_minor_units"`
	Credits         int       `json:"credits"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
