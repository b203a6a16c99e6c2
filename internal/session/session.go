// Package session tracks per-user sessions. Ending a session tears down every
// live view opened under it and retracts the user's pending reminders.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ReminderRetractor cancels a user's pending reminders.
type ReminderRetractor interface {
	CancelForOwner(ctx context.Context, owner string) (int, error)
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	views  int
}

type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*session
	reminders ReminderRetractor
	logger    zerolog.Logger
}

func NewManager(reminders ReminderRetractor, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*session),
		reminders: reminders,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// Begin derives a context from parent that is also cancelled when the
// user's session ends. The returned func must be called once the caller
// is done with the context.
func (m *Manager) Begin(parent context.Context, userID string) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &session{ctx: ctx, cancel: cancel}
		m.sessions[userID] = s
	}
	s.views++
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stop()
			cancel()
			m.mu.Lock()
			if cur, ok := m.sessions[userID]; ok && cur == s {
				s.views--
				if s.views == 0 {
					delete(m.sessions, userID)
					s.cancel()
				}
			}
			m.mu.Unlock()
		})
	}
}

// Views returns the number of live views open for userID.
func (m *Manager) Views(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s.views
	}
	return 0
}

// End cancels every context started with Begin for userID and retracts
// their pending reminders.
func (m *Manager) End(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	views := 0
	if ok {
		views = s.views
		s.cancel()
	}

	retracted := 0
	if m.reminders != nil {
		n, err := m.reminders.CancelForOwner(ctx, userID)
		if err != nil {
			m.logger.Error().Err(err).Str("user_id", userID).Msg("failed to retract reminders")
			return err
		}
		retracted = n
	}

	m.logger.Info().Str("user_id", userID).Int("views_closed", views).Int("reminders_retracted", retracted).
		Msg("session ended")
	return nil
}
