package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

type ConversationRepository struct {
	store *Store
}

var _ repository.ConversationRepository = (*ConversationRepository)(nil)

func (r *ConversationRepository) Create(ctx context.Context, conversation *entity.Conversation) (string, error) {
	if err := r.store.check(ctx, OpCreateConversation); err != nil {
		return "", err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	c := conversation.Clone()
	c.ID = newID()
	now := s.stamp()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.conversations[c.ID] = c
	s.writes[OpCreateConversation]++
	s.publish()

	return c.ID, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	if err := r.store.check(ctx, OpGetConversation); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	return c.Clone(), nil
}

func (r *ConversationRepository) FindByPair(ctx context.Context, pairKey string, statuses []entity.ConversationStatus) ([]*entity.Conversation, error) {
	if err := r.store.check(ctx, OpQueryConversations); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*entity.Conversation, 0)
	for _, c := range s.conversations {
		if c.PairKey == pairKey && hasStatus(statuses, c.Status) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *ConversationRepository) ListByMember(ctx context.Context, userID string) ([]*entity.Conversation, error) {
	if err := r.store.check(ctx, OpQueryConversations); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*entity.Conversation, 0)
	for _, c := range s.conversations {
		for _, id := range c.Participants {
			if id == userID {
				out = append(out, c.Clone())
				break
			}
		}
	}
	return out, nil
}

func (r *ConversationRepository) Update(ctx context.Context, id string, updates []repository.Update) error {
	if err := r.store.check(ctx, OpUpdateConversation); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conversations[id]
	if !ok {
		return errors.NotFound("Conversation", nil)
	}

	next := current.Clone()
	now := s.stamp()
	for _, u := range updates {
		if err := applyUpdate(next, u, now); err != nil {
			return errors.BadRequest(err.Error(), err)
		}
	}
	next.UpdatedAt = now
	s.conversations[id] = next
	s.writes[OpUpdateConversation]++
	s.publish()

	return nil
}

func (r *ConversationRepository) Subscribe(ctx context.Context, role entity.Role, userID string) (<-chan repository.ConversationSnapshot, error) {
	if err := r.store.check(ctx, OpSubscribeConversation); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan repository.ConversationSnapshot, 1)
	s.register(ctx, &subscription{role: role, userID: userID, convCh: ch})
	return ch, nil
}

func applyUpdate(c *entity.Conversation, u repository.Update, now time.Time) error {
	switch {
	case u.Path == repository.FieldStatus:
		status, ok := u.Value.(entity.ConversationStatus)
		if !ok {
			return fmt.Errorf("status must be a ConversationStatus, got %T", u.Value)
		}
		c.Status = status
	case u.Path == repository.FieldLastMessage:
		c.LastMessage, _ = u.Value.(string)
	case u.Path == repository.FieldLastMessageTime:
		c.LastMessageTime = timeValue(u.Value, now)
	case strings.HasPrefix(u.Path, "unreadBy."):
		role := entity.Role(strings.TrimPrefix(u.Path, "unreadBy."))
		c.UnreadBy.Set(role, counterValue(c.UnreadBy.For(role), u.Value))
	case strings.HasPrefix(u.Path, "typing."):
		typing, _ := u.Value.(bool)
		c.Typing.Set(entity.Role(strings.TrimPrefix(u.Path, "typing.")), typing)
	case strings.HasPrefix(u.Path, "typingAt."):
		c.TypingAt.Set(entity.Role(strings.TrimPrefix(u.Path, "typingAt.")), timeValue(u.Value, now))
	default:
		return fmt.Errorf("unsupported update path %q", u.Path)
	}
	return nil
}

func hasStatus(statuses []entity.ConversationStatus, status entity.ConversationStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func timeValue(v interface{}, now time.Time) time.Time {
	if repository.IsServerTimestamp(v) {
		return now
	}
	t, _ := v.(time.Time)
	return t
}

func counterValue(current uint32, v interface{}) uint32 {
	switch n := v.(type) {
	case repository.IncrementValue:
		next := int64(current) + int64(n.Delta)
		if next < 0 {
			return 0
		}
		return uint32(next)
	case int:
		return uint32(n)
	case uint32:
		return n
	}
	return current
}
