package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

// Wallet is the credit balance a MemoryStore grants into.
// quota.MemoryStore satisfies it.
type Wallet interface {
	Get(ctx context.Context, userID int64) (models.QuotaState, error)
	AddCredits(ctx context.Context, userID int64, credits int) (int, error)
}

// MemoryStore keeps sessions in process. The session lock is held across the
// wallet update, so marking and granting happen together.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.PaymentSession
	wallet   Wallet
	nextID   int64
}

var _ SessionStore = (*MemoryStore)(nil)

func NewMemoryStore(wallet Wallet) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.PaymentSession),
		wallet:   wallet,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *models.PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return ErrDuplicate
	}
	m.nextID++
	s.ID = m.nextID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*models.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, sessionID string, credits int, at time.Time) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, 0, ErrSessionNotFound
	}
	if s.Processed() {
		st, err := m.wallet.Get(ctx, s.UserID)
		if err != nil {
			return false, 0, fmt.Errorf("read balance: %w", err)
		}
		return false, st.CreditBalance, nil
	}
	balance, err := m.wallet.AddCredits(ctx, s.UserID, credits)
	if err != nil {
		return false, 0, fmt.Errorf("add credits: %w", err)
	}
	processed := at
	s.ProcessedAt = &processed
	s.CreditsGranted = credits
	return true, balance, nil
}
