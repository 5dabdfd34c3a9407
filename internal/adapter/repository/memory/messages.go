package memory

import (
	"context"
	"time"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

type MessageRepository struct {
	store *Store
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

func (r *MessageRepository) Create(ctx context.Context, message *entity.Message) (*entity.Message, error) {
	if err := r.store.check(ctx, OpCreateMessage); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[message.ConversationID]; !ok {
		return nil, errors.NotFound("Conversation", nil)
	}

	m := message.Clone()
	m.ID = newID()
	m.Timestamp = s.stamp()
	m.Delivered = true
	m.State = ""
	m.Err = ""
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}

	if s.messages[m.ConversationID] == nil {
		s.messages[m.ConversationID] = make(map[string]*entity.Message)
	}
	s.messages[m.ConversationID][m.ID] = m
	s.writes[OpCreateMessage]++
	s.publish()

	return m.Clone(), nil
}

func (r *MessageRepository) GetByID(ctx context.Context, conversationID, id string) (*entity.Message, error) {
	if err := r.store.check(ctx, OpListMessages); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[conversationID][id]
	if !ok {
		return nil, errors.NotFound("Message", nil)
	}
	return m.Clone(), nil
}

func (r *MessageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]*entity.Message, error) {
	if err := r.store.check(ctx, OpListMessages); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.messageWindow(conversationID, time.Time{}, limit), nil
}

func (r *MessageRepository) ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*entity.Message, error) {
	if err := r.store.check(ctx, OpListMessages); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, ok := s.messages[conversationID][beforeID]
	if !ok {
		return nil, errors.NotFound("Message", nil)
	}

	older := make([]*entity.Message, 0)
	for _, m := range s.sortedMessages(conversationID) {
		if m.Before(cursor) {
			older = append(older, m)
		}
	}
	if limit > 0 && len(older) > limit {
		older = older[len(older)-limit:]
	}
	return entity.CloneMessages(older), nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, conversationID string, senderRole entity.Role, readerID string) (int, error) {
	if err := r.store.check(ctx, OpMarkRead); err != nil {
		return 0, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for _, m := range s.messages[conversationID] {
		if m.SenderRole != senderRole || m.Read {
			continue
		}
		m.Read = true
		if !contains(m.ReadBy, readerID) {
			m.ReadBy = append(m.ReadBy, readerID)
		}
		marked++
	}
	if marked > 0 {
		s.writes[OpMarkRead]++
		s.publish()
	}
	return marked, nil
}

func (r *MessageRepository) Subscribe(ctx context.Context, conversationID string, since time.Time, limit int) (<-chan repository.MessageSnapshot, error) {
	if err := r.store.check(ctx, OpSubscribeMessages); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan repository.MessageSnapshot, 1)
	s.register(ctx, &subscription{conversationID: conversationID, since: since, limit: limit, msgCh: ch})
	return ch, nil
}

// sortedMessages returns the stored messages of a conversation, oldest first. Caller holds s.mu.
func (s *Store) sortedMessages(conversationID string) []*entity.Message {
	out := make([]*entity.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, m)
	}
	entity.SortMessages(out)
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
