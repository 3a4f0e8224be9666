// Package payment turns confirmed checkout sessions into credit grants.
//
// A session can be confirmed twice: by the client returning from checkout and
// by the processor's webhook. Both paths call Reconcile, and the store's
// MarkProcessed is a single conditional write, so credits land exactly once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

var (
	ErrSessionNotFound = errors.New("payment: session not found")
	ErrForbidden       = errors.New("payment: session belongs to another user")
	ErrNotPaid         = errors.New("payment: session is not paid")
	ErrInvalidCredits  = errors.New("payment: credits must be positive")
	ErrDuplicate       = errors.New("payment: session already exists")
)

// SessionStore persists checkout sessions.
type SessionStore interface {
	Create(ctx context.Context, s *models.PaymentSession) error
	// Get returns ErrSessionNotFound when sessionID is unknown.
	Get(ctx context.Context, sessionID string) (*models.PaymentSession, error)
	// MarkProcessed sets processed_at and adds credits to the owner's balance in
	// one atomic step, only if the session is not processed yet. It always
	// returns the owner's current balance.
	MarkProcessed(ctx context.Context, sessionID string, credits int, at time.Time) (granted bool, balance int, err error)
}

// Result of a reconciliation. Granted is false when an earlier call already
// processed the session; that is not an error.
type Result struct {
	Granted       bool `json:"granted"`
	CreditBalance int  `json:"credit_balance"`
}

func (r Result) AlreadyProcessed() bool {
	return !r.Granted
}

type Reconciler struct {
	store SessionStore
	log   *slog.Logger
	now   func() time.Time
}

func NewReconciler(store SessionStore, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Open records a new checkout session before the user is sent to pay.
func (r *Reconciler) Open(ctx context.Context, s *models.PaymentSession) error {
	s.SessionID = strings.TrimSpace(s.SessionID)
	if s.SessionID == "" {
		return fmt.Errorf("payment: empty session id")
	}
	if s.UserID == 0 {
		return fmt.Errorf("payment: session has no owner")
	}
	if s.CreditsGranted <= 0 {
		return ErrInvalidCredits
	}
	if err := r.store.Create(ctx, s); err != nil {
		return fmt.Errorf("create payment session: %w", err)
	}
	r.log.Info("payment session opened",
		"session_id", s.SessionID,
		"user_id", s.UserID,
		"provider", s.Provider,
		"credits", s.CreditsGranted,
	)
	return nil
}

// Lookup returns the recorded session without checking ownership. Callers use it
// to learn the credits and owner recorded when the session was opened.
func (r *Reconciler) Lookup(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load payment session: %w", err)
	}
	return sess, nil
}

// Reconcile grants credits for sessionID to expectedUserID once. Ownership is
// checked before idempotency so a foreign caller learns nothing about the
// session's state.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, expectedUserID int64, credits int) (Result, error) {
	if credits <= 0 {
		return Result{}, ErrInvalidCredits
	}

	sess, err := r.Lookup(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	if sess.UserID != expectedUserID {
		r.log.Warn("payment session ownership mismatch",
			"session_id", sessionID,
			"owner_id", sess.UserID,
			"caller_id", expectedUserID,
		)
		return Result{}, ErrForbidden
	}

	granted, balance, err := r.store.MarkProcessed(ctx, sessionID, credits, r.now().UTC())
	if err != nil {
		return Result{}, fmt.Errorf("mark session processed: %w", err)
	}

	if granted {
		r.log.Info("payment credits granted",
			"session_id", sessionID,
			"user_id", expectedUserID,
			"credits", credits,
			"balance", balance,
		)
	} else {
		r.log.Debug("payment session already processed", "session_id", sessionID, "user_id", expectedUserID)
	}
	return Result{Granted: granted, CreditBalance: balance}, nil
}
