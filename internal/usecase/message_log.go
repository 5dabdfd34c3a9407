package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const localIDPrefix = "local-"

// MessageLog is the client-side, ordered and deduplicated history of every
// conversation the session has loaded.
type MessageLog struct {
	repo        repository.MessageRepository
	clock       clock.Clock
	pageSize    int
	sendTimeout time.Duration
	onChange    func(conversationID string)

	mu   sync.RWMutex
	logs map[string]*conversationLog
}

type conversationLog struct {
	messages []*entity.Message
	byID     map[string]*entity.Message
	// pending holds unconfirmed sends, failed ones included, by client token.
	pending map[string]*entity.Message
	hasMore bool
	// paged is set once history was fetched, so a reload keeps hasMore.
	paged bool
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		byID:    make(map[string]*entity.Message),
		pending: make(map[string]*entity.Message),
	}
}

// OutgoingMessage is what a participant sends.
type OutgoingMessage struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderRole     entity.Role
	Content        string
	Type           entity.MessageType
	AttachmentURL  string
}

func NewMessageLog(repo repository.MessageRepository, clk clock.Clock, pageSize int, sendTimeout time.Duration) *MessageLog {
	return &MessageLog{
		repo:        repo,
		clock:       clk,
		pageSize:    pageSize,
		sendTimeout: sendTimeout,
		logs:        make(map[string]*conversationLog),
	}
}

// Notify sets the callback fired after a send changed the log.
func (l *MessageLog) Notify(onChange func(conversationID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = onChange
}

// LoadInitial fetches the newest page. Pending sends of the conversation are kept.
func (l *MessageLog) LoadInitial(ctx context.Context, conversationID string) ([]*entity.Message, bool, error) {
	page, err := l.repo.ListRecent(ctx, conversationID, l.pageSize)
	if err != nil {
		logger.Warn("LoadInitial Error: conversation %s: %v", conversationID, err)
		return nil, false, errors.Translate(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logFor(conversationID)
	log.merge(page)
	if !log.paged {
		log.hasMore = len(page) == l.pageSize
		log.paged = true
	}

	return entity.CloneMessages(log.messages), log.hasMore, nil
}

// LoadOlder fetches the page before beforeMessageID, or before the oldest
// confirmed message when it is empty. Calling it twice with the same cursor
// leaves the log unchanged the second time.
func (l *MessageLog) LoadOlder(ctx context.Context, conversationID, beforeMessageID string) ([]*entity.Message, bool, error) {
	if beforeMessageID == "" {
		l.mu.RLock()
		if log, ok := l.logs[conversationID]; ok {
			beforeMessageID = log.oldestConfirmedID()
		}
		l.mu.RUnlock()
	}
	if beforeMessageID == "" {
		return []*entity.Message{}, false, nil
	}

	page, err := l.repo.ListBefore(ctx, conversationID, beforeMessageID, l.pageSize)
	if err != nil {
		logger.Warn("LoadOlder Error: conversation %s before %s: %v", conversationID, beforeMessageID, err)
		return nil, false, errors.Translate(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logFor(conversationID)
	log.merge(page)
	log.hasMore = len(page) == l.pageSize
	log.paged = true

	return entity.CloneMessages(page), log.hasMore, nil
}

// Merge reconciles a live push into the log. It returns the messages that
// were not known before, in order.
func (l *MessageLog) Merge(conversationID string, incoming []*entity.Message) []*entity.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	return entity.CloneMessages(l.logFor(conversationID).merge(incoming))
}

// Append inserts msg optimistically, writes it and reconciles the entry once
// the store confirms. On error or after the send timeout the entry is marked
// failed and stays in the log until Retry or Discard.
func (l *MessageLog) Append(ctx context.Context, out OutgoingMessage) (*entity.Message, error) {
	pending := l.insertPending(out)
	l.changed(out.ConversationID)
	defer l.changed(out.ConversationID)

	sendCtx, cancel := l.clock.WithTimeout(ctx, l.sendTimeout)
	defer cancel()

	stored, err := l.repo.Create(sendCtx, pending.Clone())
	if err != nil {
		err = errors.Translate(err)
		logger.Warn("SendMessage Error: conversation %s token %s: %v", out.ConversationID, pending.ClientToken, err)
		failed, confirmed := l.fail(out.ConversationID, pending.ClientToken, err)
		if confirmed {
			return failed, nil
		}
		return failed, err
	}

	return l.confirm(out.ConversationID, stored), nil
}

// Retry re-sends a failed entry under a new client token.
func (l *MessageLog) Retry(ctx context.Context, conversationID, clientToken string) (*entity.Message, error) {
	l.mu.Lock()
	log, ok := l.logs[conversationID]
	var failed *entity.Message
	if ok {
		failed = log.pending[clientToken]
	}
	if failed == nil || failed.State != entity.StateFailed {
		l.mu.Unlock()
		return nil, errors.NotFound("Failed message", nil)
	}
	log.remove(failed)
	l.mu.Unlock()

	return l.Append(ctx, OutgoingMessage{
		ConversationID: conversationID,
		SenderID:       failed.SenderID,
		SenderName:     failed.SenderName,
		SenderRole:     failed.SenderRole,
		Content:        failed.Content,
		Type:           failed.Type,
		AttachmentURL:  failed.AttachmentURL,
	})
}

// Discard removes a failed entry the user gave up on.
func (l *MessageLog) Discard(conversationID, clientToken string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	log, ok := l.logs[conversationID]
	if !ok {
		return false
	}
	m, ok := log.pending[clientToken]
	if !ok || m.State != entity.StateFailed {
		return false
	}
	log.remove(m)
	return true
}

// Messages returns a copy of the current log, oldest first.
func (l *MessageLog) Messages(conversationID string) ([]*entity.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	log, ok := l.logs[conversationID]
	if !ok {
		return []*entity.Message{}, false
	}
	return entity.CloneMessages(log.messages), log.hasMore
}

// Oldest returns the timestamp of the oldest confirmed message, zero if none.
func (l *MessageLog) Oldest(conversationID string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	log, ok := l.logs[conversationID]
	if !ok {
		return time.Time{}
	}
	for _, m := range log.messages {
		if m.State != entity.StatePending && m.State != entity.StateFailed {
			return m.Timestamp
		}
	}
	return time.Time{}
}

// Forget drops everything loaded for a conversation except pending sends.
func (l *MessageLog) Forget(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log, ok := l.logs[conversationID]
	if !ok {
		return
	}
	if len(log.pending) == 0 {
		delete(l.logs, conversationID)
		return
	}
	kept := newConversationLog()
	for token, m := range log.pending {
		kept.pending[token] = m
		kept.byID[m.ID] = m
		kept.messages = append(kept.messages, m)
	}
	entity.SortMessages(kept.messages)
	l.logs[conversationID] = kept
}

func (l *MessageLog) insertPending(out OutgoingMessage) *entity.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logFor(out.ConversationID)
	token := uuid.NewString()

	// a pending entry sorts after everything already shown
	ts := l.clock.Now()
	if n := len(log.messages); n > 0 && !ts.After(log.messages[n-1].Timestamp) {
		ts = log.messages[n-1].Timestamp.Add(time.Microsecond)
	}

	msgType := out.Type
	if msgType == "" {
		msgType = entity.MessageText
	}

	m := &entity.Message{
		ID:             localIDPrefix + token,
		ConversationID: out.ConversationID,
		SenderID:       out.SenderID,
		SenderName:     out.SenderName,
		SenderRole:     out.SenderRole,
		Content:        out.Content,
		Type:           msgType,
		AttachmentURL:  out.AttachmentURL,
		Timestamp:      ts,
		ReadBy:         []string{},
		ClientToken:    token,
		State:          entity.StatePending,
	}
	log.pending[token] = m
	log.byID[m.ID] = m
	log.messages = append(log.messages, m)
	entity.SortMessages(log.messages)

	return m.Clone()
}

func (l *MessageLog) confirm(conversationID string, stored *entity.Message) *entity.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logFor(conversationID)
	log.merge([]*entity.Message{stored})
	if m, ok := log.byID[stored.ID]; ok {
		return m.Clone()
	}
	return stored.Clone()
}

// fail marks a pending send failed. When a live push already confirmed the
// token it returns that entry and true instead.
func (l *MessageLog) fail(conversationID, token string, err error) (*entity.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logFor(conversationID)
	m, ok := log.pending[token]
	if !ok {
		for _, existing := range log.messages {
			if existing.ClientToken == token {
				return existing.Clone(), true
			}
		}
		return nil, false
	}
	m.State = entity.StateFailed
	m.Err = err.Error()
	return m.Clone(), false
}

func (l *MessageLog) changed(conversationID string) {
	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()
	if onChange != nil {
		onChange(conversationID)
	}
}

func (l *MessageLog) logFor(conversationID string) *conversationLog {
	log, ok := l.logs[conversationID]
	if !ok {
		log = newConversationLog()
		l.logs[conversationID] = log
	}
	return log
}

// merge folds confirmed store messages into the log and returns the ones that
// were new. Pending entries matched by client token are updated in place.
func (c *conversationLog) merge(incoming []*entity.Message) []*entity.Message {
	added := make([]*entity.Message, 0)
	changed := false

	for _, in := range incoming {
		if existing, ok := c.byID[in.ID]; ok {
			existing.Read = in.Read
			existing.ReadBy = append([]string(nil), in.ReadBy...)
			existing.Delivered = true
			continue
		}

		if in.ClientToken != "" {
			if p, ok := c.pending[in.ClientToken]; ok {
				delete(c.byID, p.ID)
				p.ID = in.ID
				p.Timestamp = in.Timestamp
				p.Read = in.Read
				p.ReadBy = append([]string(nil), in.ReadBy...)
				p.Delivered = true
				p.State = entity.StateConfirmed
				p.Err = ""
				c.byID[p.ID] = p
				delete(c.pending, in.ClientToken)
				changed = true
				continue
			}
		}

		m := in.Clone()
		m.Delivered = true
		m.State = entity.StateConfirmed
		c.byID[m.ID] = m
		c.messages = append(c.messages, m)
		added = append(added, m)
		changed = true
	}

	if changed {
		entity.SortMessages(c.messages)
		entity.SortMessages(added)
	}
	return added
}

func (c *conversationLog) remove(m *entity.Message) {
	delete(c.byID, m.ID)
	delete(c.pending, m.ClientToken)
	for i, existing := range c.messages {
		if existing == m {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

func (c *conversationLog) oldestConfirmedID() string {
	for _, m := range c.messages {
		if m.State == entity.StateConfirmed {
			return m.ID
		}
	}
	return ""
}
