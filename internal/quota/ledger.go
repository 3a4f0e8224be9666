// Package quota decides whether a user may start a generation and which
// funding source pays for it: the daily free allowance first, purchased credits after.
//
// Admission only reads. Usage is committed after the provider delivered a result,
// against the funding source chosen at admission, through an atomic conditional
// update in the Store.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

var (
	ErrQuotaExceeded = errors.New("quota: quota exceeded")
	ErrUserNotFound  = errors.New("quota: user not found")
	// ErrCommitConflict means the conditional update matched nothing: the free
	// counter already reached the limit or the credit balance is already zero.
	ErrCommitConflict = errors.New("quota: commit conflict")
	ErrInvalidCredits = errors.New("quota: credits must be positive")
)

// ExceededError is returned by Admit when neither funding source is available.
type ExceededError struct {
	Remaining     int
	CreditBalance int
	// CanPurchase is always true: buying credits unblocks the user.
	CanPurchase bool
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: quota exceeded (remaining=%d credits=%d)", e.Remaining, e.CreditBalance)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Store persists QuotaState. Every mutating method must be a single atomic
// conditional update on the stored record.
type Store interface {
	// Load returns the state for day, first resetting the free counter if
	// LastResetDate is a different day.
	Load(ctx context.Context, userID int64, day string) (models.QuotaState, error)
	// Get returns the state as stored, without any reset.
	Get(ctx context.Context, userID int64) (models.QuotaState, error)
	// ConsumeFree increments the free counter if it still belongs to day and is below the limit.
	ConsumeFree(ctx context.Context, userID int64, day string) (bool, error)
	// ConsumeCredit decrements the balance if it is positive.
	ConsumeCredit(ctx context.Context, userID int64) (bool, error)
	// AddCredits increments the balance and returns the new value.
	AddCredits(ctx context.Context, userID int64, credits int) (int, error)
}

// Admission is the funding decision made for one request. Commit must be called
// with the same value.
type Admission struct {
	UserID int64
	Source models.FundingSource
	Day    string
}

type Report struct {
	Tier           string `json:"tier"`
	DailyLimit     int    `json:"daily_limit"`
	Used           int    `json:"used"`
	Remaining      int    `json:"remaining"`
	CreditBalance  int    `json:"credit_balance"`
	TotalAvailable int    `json:"total_available"`
}

type Ledger struct {
	store    Store
	now      func() time.Time
	location *time.Location
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the time zone whose calendar day bounds the free allowance (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.location = loc
		}
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) today() string {
	return l.now().In(l.location).Format(time.DateOnly)
}

// Admit decides whether userID may generate now. Free allowance is preferred over credit.
func (l *Ledger) Admit(ctx context.Context, userID int64) (Admission, error) {
	day := l.today()
	st, err := l.store.Load(ctx, userID, day)
	if err != nil {
		return Admission{}, fmt.Errorf("load quota: %w", err)
	}

	switch {
	case st.FreeUsedToday < st.FreeDailyLimit:
		return Admission{UserID: userID, Source: models.FundingFree, Day: day}, nil
	case st.CreditBalance > 0:
		return Admission{UserID: userID, Source: models.FundingCredit, Day: day}, nil
	default:
		return Admission{}, &ExceededError{
			Remaining:     remaining(st),
			CreditBalance: st.CreditBalance,
			CanPurchase:   true,
		}
	}
}

// Commit charges the admission's funding source. A free admission whose day has
// since rolled over is not re-priced: it commits nothing.
func (l *Ledger) Commit(ctx context.Context, adm Admission) error {
	switch adm.Source {
	case models.FundingFree:
		ok, err := l.store.ConsumeFree(ctx, adm.UserID, adm.Day)
		if err != nil {
			return fmt.Errorf("consume free generation: %w", err)
		}
		if ok {
			return nil
		}
		st, err := l.store.Get(ctx, adm.UserID)
		if err != nil {
			return fmt.Errorf("reload quota: %w", err)
		}
		if st.LastResetDate != adm.Day {
			return nil
		}
		return ErrCommitConflict
	case models.FundingCredit:
		ok, err := l.store.ConsumeCredit(ctx, adm.UserID)
		if err != nil {
			return fmt.Errorf("consume credit: %w", err)
		}
		if !ok {
			return ErrCommitConflict
		}
		return nil
	default:
		return fmt.Errorf("quota: cannot commit funding source %q", adm.Source)
	}
}

// Grant adds purchased or promotional credits.
func (l *Ledger) Grant(ctx context.Context, userID int64, credits int) (int, error) {
	if credits <= 0 {
		return 0, ErrInvalidCredits
	}
	balance, err := l.store.AddCredits(ctx, userID, credits)
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	return balance, nil
}

func (l *Ledger) Report(ctx context.Context, userID int64) (Report, error) {
	st, err := l.store.Load(ctx, userID, l.today())
	if err != nil {
		return Report{}, fmt.Errorf("load quota: %w", err)
	}
	rem := remaining(st)
	return Report{
		Tier:           st.Tier,
		DailyLimit:     st.FreeDailyLimit,
		Used:           st.FreeUsedToday,
		Remaining:      rem,
		CreditBalance:  st.CreditBalance,
		TotalAvailable: rem + st.CreditBalance,
	}, nil
}

func remaining(st models.QuotaState) int {
	if r := st.FreeDailyLimit - st.FreeUsedToday; r > 0 {
		return r
	}
	return 0
}
