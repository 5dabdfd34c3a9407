package memory

import (
	"context"
	"time"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
)

type subscription struct {
	id      uint64
	stalled bool
	closed  bool

	// conversation query
	role   entity.Role
	userID string
	convCh chan repository.ConversationSnapshot

	// message query
	conversationID string
	since          time.Time
	limit          int
	msgCh          chan repository.MessageSnapshot
}

// StallSubscriptions stops pushes to every open subscription without closing
// them, the way a silently dropped listener behaves. New subscriptions are live.
func (s *Store) StallSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.stalled = true
	}
}

// Disconnect ends every open subscription with a terminal error snapshot.
func (s *Store) Disconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.convCh != nil {
			replace(sub.convCh, repository.ConversationSnapshot{Err: err, ReceivedAt: s.clock.Now()})
		} else {
			replace(sub.msgCh, repository.MessageSnapshot{Err: err, ReceivedAt: s.clock.Now()})
		}
		s.closeSub(id, sub)
	}
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) register(ctx context.Context, sub *subscription) {
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	s.deliver(sub)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeSub(sub.id, sub)
	}()
}

func (s *Store) closeSub(id uint64, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, id)
	if sub.convCh != nil {
		close(sub.convCh)
	} else {
		close(sub.msgCh)
	}
}

// publish pushes the current result set to every live subscription. Caller holds s.mu.
func (s *Store) publish() {
	for _, sub := range s.subs {
		if !sub.stalled {
			s.deliver(sub)
		}
	}
}

func (s *Store) deliver(sub *subscription) {
	now := s.clock.Now()
	if sub.convCh != nil {
		replace(sub.convCh, repository.ConversationSnapshot{
			Conversations: s.queryParticipant(sub.role, sub.userID),
			ReceivedAt:    now,
		})
		return
	}
	replace(sub.msgCh, repository.MessageSnapshot{
		Messages:   s.messageWindow(sub.conversationID, sub.since, sub.limit),
		ReceivedAt: now,
	})
}

func (s *Store) queryParticipant(role entity.Role, userID string) []*entity.Conversation {
	out := make([]*entity.Conversation, 0)
	for _, c := range s.conversations {
		if c.Participant(role).ID == userID && c.Status != entity.StatusDeleted {
			out = append(out, c.Clone())
		}
	}
	entity.SortByRecent(out)
	return out
}

func (s *Store) messageWindow(conversationID string, since time.Time, limit int) []*entity.Message {
	all := s.sortedMessages(conversationID)
	if since.IsZero() {
		if limit > 0 && len(all) > limit {
			all = all[len(all)-limit:]
		}
		return entity.CloneMessages(all)
	}

	out := make([]*entity.Message, 0, len(all))
	for _, m := range all {
		if !m.Timestamp.Before(since) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// replace keeps only the newest snapshot in a one-slot channel.
func replace[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
