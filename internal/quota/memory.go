package quota

import (
	"context"
	"sync"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

// MemoryStore keeps quota state in process. It backs tests and single-node
// deployments without a database.
type MemoryStore struct {
	mu    sync.Mutex
	users map[int64]*models.QuotaState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*models.QuotaState)}
}

// Put inserts or replaces the state for st.UserID.
func (m *MemoryStore) Put(st models.QuotaState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := st
	m.users[st.UserID] = &cp
}

func (m *MemoryStore) Load(_ context.Context, userID int64, day string) (models.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		return models.QuotaState{}, ErrUserNotFound
	}
	if st.LastResetDate != day {
		st.FreeUsedToday = 0
		st.LastResetDate = day
	}
	return *st, nil
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (models.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		return models.QuotaState{}, ErrUserNotFound
	}
	return *st, nil
}

func (m *MemoryStore) ConsumeFree(_ context.Context, userID int64, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if st.LastResetDate != day || st.FreeUsedToday >= st.FreeDailyLimit {
		return false, nil
	}
	st.FreeUsedToday++
	return true, nil
}

func (m *MemoryStore) ConsumeCredit(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if st.CreditBalance < 1 {
		return false, nil
	}
	st.CreditBalance--
	return true, nil
}

func (m *MemoryStore) AddCredits(_ context.Context, userID int64, credits int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	st.CreditBalance += credits
	return st.CreditBalance, nil
}
