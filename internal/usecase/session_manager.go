package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/lock"
	"github.com/03AlAmine/jokko-agro/pkg/config"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

// EventPublisher delivers engine events to the connection of a session.
type EventPublisher interface {
	SendToSession(sessionID string, messageType string, conversationID string, data interface{})
}

type Identity struct {
	UserID string      `json:"user_id"`
	Name   string      `json:"name"`
	Avatar string      `json:"avatar,omitempty"`
	Role   entity.Role `json:"role" validate:"required,oneof=buyer producer"`
}

type Session struct {
	ID        string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Role      entity.Role `json:"role"`
	CreatedAt time.Time   `json:"created_at"`

	Engine *SyncEngine `json:"-"`
}

// SessionManager keeps one SyncEngine per signed-in session. Two tabs of the
// same user get two sessions and share nothing but the store.
type SessionManager struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	blocks        repository.BlockRepository
	locker        lock.Locker
	clock         clock.Clock
	cfg           config.SyncConfig
	publisher     EventPublisher

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	blocks repository.BlockRepository,
	locker lock.Locker,
	clk clock.Clock,
	cfg config.SyncConfig,
) *SessionManager {
	if clk == nil {
		clk = clock.New()
	}
	return &SessionManager{
		conversations: conversations,
		messages:      messages,
		blocks:        blocks,
		locker:        locker,
		clock:         clk,
		cfg:           cfg.WithDefaults(),
		sessions:      make(map[string]*Session),
	}
}

// SetPublisher sets where engine events go. Without one they are drained.
func (m *SessionManager) SetPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

func (m *SessionManager) StartSession(ctx context.Context, id Identity) (*Session, error) {
	engine, err := NewSyncEngine(EngineOptions{
		UserID:        id.UserID,
		UserName:      id.Name,
		Avatar:        id.Avatar,
		Role:          id.Role,
		Conversations: m.conversations,
		Messages:      m.messages,
		Blocks:        m.blocks,
		PairLocker:    m.locker,
		Clock:         m.clock,
		Sync:          m.cfg,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        uuid.NewString(),
		UserID:    id.UserID,
		Role:      id.Role,
		CreatedAt: m.clock.Now(),
		Engine:    engine,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	engine.Start()
	go m.forward(session)

	logger.Info("Session %s started for %s user %s", session.ID, id.Role, id.UserID)
	return session, nil
}

// Get returns the session if it belongs to userID.
func (m *SessionManager) Get(sessionID, userID string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.NotFound("Session", nil)
	}
	if session.UserID != userID {
		return nil, errors.Forbidden("Session belongs to another user", nil)
	}
	return session, nil
}

func (m *SessionManager) Engine(sessionID, userID string) (*SyncEngine, error) {
	session, err := m.Get(sessionID, userID)
	if err != nil {
		return nil, err
	}
	return session.Engine, nil
}

func (m *SessionManager) EndSession(sessionID, userID string) error {
	session, err := m.Get(sessionID, userID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	session.Engine.Close()
	logger.Info("Session %s ended", sessionID)
	return nil
}

func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll ends every session, used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Engine.Close()
		}(s)
	}
	wg.Wait()
	logger.Info("Closed %d sessions", len(sessions))
}

// The methods below are the commands a websocket connection can send.

func (m *SessionManager) SetTyping(ctx context.Context, sessionID, userID, conversationID string, typing bool) error {
	engine, err := m.Engine(sessionID, userID)
	if err != nil {
		return err
	}
	return engine.SetTyping(ctx, conversationID, typing)
}

func (m *SessionManager) ScrollChanged(sessionID, userID, conversationID string, atBottom bool) error {
	engine, err := m.Engine(sessionID, userID)
	if err != nil {
		return err
	}
	engine.OnScrollPositionChanged(conversationID, atBottom)
	return nil
}

func (m *SessionManager) FocusChanged(sessionID, userID string, focused bool) error {
	engine, err := m.Engine(sessionID, userID)
	if err != nil {
		return err
	}
	engine.OnFocusChanged(focused)
	return nil
}

func (m *SessionManager) JumpToLatest(sessionID, userID, conversationID string) error {
	engine, err := m.Engine(sessionID, userID)
	if err != nil {
		return err
	}
	engine.JumpToLatest(conversationID)
	return nil
}

func (m *SessionManager) forward(session *Session) {
	for ev := range session.Engine.Events() {
		m.mu.RLock()
		p := m.publisher
		m.mu.RUnlock()
		if p == nil {
			continue
		}
		p.SendToSession(session.ID, string(ev.Type), ev.ConversationID, ev)
	}
}
