package telegram

import (
	"sync"
	"time"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingStyle
)

// Session holds the photo a chat sent while the bot waits for a style.
type Session struct {
	State       SessionState
	Photo       []byte
	ContentType string
	UpdatedAt   time.Time
}

// sessionTTL bounds how long an unanswered photo is kept in memory.
const sessionTTL = 30 * time.Minute

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	now      func() time.Time
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
}

func (m *StateManager) Get(chatID int64) *Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok && m.now().Sub(session.UpdatedAt) < sessionTTL {
		return session
	}
	return &Session{State: StateIdle}
}

func (m *StateManager) Set(chatID int64, session *Session) {
	session.UpdatedAt = m.now()
	m.mu.Lock()
	m.sessions[chatID] = session
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}

// Prune drops expired sessions and returns how many were removed.
func (m *StateManager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if m.now().Sub(s.UpdatedAt) >= sessionTTL {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
