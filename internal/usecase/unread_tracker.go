package usecase

import (
	"context"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/lock"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

// conversationCache is the part of the registry the tracker needs.
type conversationCache interface {
	Get(id string) (*entity.Conversation, bool)
	Overlay(id string, fn func(*entity.Conversation)) (release func())
	Purge(id string)
	Refresh(id string)
}

// UnreadTracker owns the per-role unread counters. Increments are atomic in
// the store; resets are serialized per conversation in this session.
type UnreadTracker struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	cache         conversationCache
	locks         *lock.LocalLocker
}

func NewUnreadTracker(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	cache conversationCache,
) *UnreadTracker {
	return &UnreadTracker{
		conversations: conversations,
		messages:      messages,
		cache:         cache,
		locks:         lock.NewLocalLocker(),
	}
}

// OnMessageSent bumps the recipient's counter and clears the sender's in one
// write. extra updates (the last message summary) ride along in the same write.
func (t *UnreadTracker) OnMessageSent(ctx context.Context, conversationID string, sender entity.Role, extra ...repository.Update) error {
	unlock, err := t.locks.Lock(ctx, conversationID)
	if err != nil {
		return errors.Translate(err)
	}
	defer unlock()

	release := t.cache.Overlay(conversationID, func(c *entity.Conversation) {
		c.UnreadBy.Set(sender, 0)
	})
	defer release()

	updates := make([]repository.Update, 0, len(extra)+2)
	updates = append(updates,
		repository.Update{Path: repository.UnreadField(sender.Other()), Value: repository.Increment(1)},
		repository.Update{Path: repository.UnreadField(sender), Value: 0},
	)
	updates = append(updates, extra...)

	if err := t.conversations.Update(ctx, conversationID, updates); err != nil {
		release()
		return t.fail("OnMessageSent", conversationID, err)
	}
	return nil
}

// MarkRead clears reader's counter and flags the other role's messages as
// read. It is a no-op when the cached counter is already zero.
func (t *UnreadTracker) MarkRead(ctx context.Context, conversationID string, reader entity.Role, readerID string) error {
	unlock, err := t.locks.Lock(ctx, conversationID)
	if err != nil {
		return errors.Translate(err)
	}
	defer unlock()

	if c, ok := t.cache.Get(conversationID); ok && c.UnreadBy.For(reader) == 0 {
		return nil
	}

	release := t.cache.Overlay(conversationID, func(c *entity.Conversation) {
		c.UnreadBy.Set(reader, 0)
	})
	defer release()

	if _, err := t.messages.MarkRead(ctx, conversationID, reader.Other(), readerID); err != nil {
		// the counter still gets cleared; read flags catch up on the next mark
		logger.Warn("MarkRead Error: flag messages of %s: %v", conversationID, err)
	}

	if err := t.conversations.Update(ctx, conversationID, []repository.Update{
		{Path: repository.UnreadField(reader), Value: 0},
	}); err != nil {
		release()
		return t.fail("MarkRead", conversationID, err)
	}
	return nil
}

func (t *UnreadTracker) fail(op, conversationID string, err error) error {
	err = errors.Translate(err)
	if errors.Is(err, errors.CodeNotFound) {
		t.cache.Purge(conversationID)
	} else {
		t.cache.Refresh(conversationID)
	}
	logger.Warn("%s Error: conversation %s: %v", op, conversationID, err)
	return err
}
