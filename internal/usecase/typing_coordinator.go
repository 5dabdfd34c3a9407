package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

// TypingCoordinator publishes the local typing flag and tracks the other
// party's flag with a staleness timeout.
type TypingCoordinator struct {
	repo       repository.ConversationRepository
	clock      clock.Clock
	role       entity.Role
	debounce   time.Duration
	staleAfter time.Duration
	// refreshEvery re-publishes a held true flag so the other side does not
	// expire it during a long burst of keystrokes.
	refreshEvery time.Duration

	onIdle  func(conversationID string)
	onStale func(conversationID string, stamp time.Time)

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[string]*remoteTyping
}

type localTyping struct {
	typing    bool
	lastWrite time.Time
	idle      *clock.Timer
}

type remoteTyping struct {
	typing  bool
	stamp   time.Time
	expired bool
	expiry  *clock.Timer
}

func NewTypingCoordinator(
	repo repository.ConversationRepository,
	clk clock.Clock,
	role entity.Role,
	debounce, staleAfter time.Duration,
) *TypingCoordinator {
	return &TypingCoordinator{
		repo:         repo,
		clock:        clk,
		role:         role,
		debounce:     debounce,
		staleAfter:   staleAfter,
		refreshEvery: staleAfter / 2,
		local:        make(map[string]*localTyping),
		remote:       make(map[string]*remoteTyping),
	}
}

// Notify sets the callbacks fired by the idle and staleness timers. The
// engine routes both into its event loop.
func (t *TypingCoordinator) Notify(onIdle func(string), onStale func(string, time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onIdle = onIdle
	t.onStale = onStale
}

// StartTyping records a keystroke. The store is written on the false to true
// transition, and again every refreshEvery while typing continues.
func (t *TypingCoordinator) StartTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	st, ok := t.local[conversationID]
	if !ok {
		st = &localTyping{}
		t.local[conversationID] = st
	}

	now := t.clock.Now()
	write := !st.typing || now.Sub(st.lastWrite) >= t.refreshEvery
	st.typing = true
	if write {
		st.lastWrite = now
	}

	if st.idle != nil {
		st.idle.Stop()
	}
	onIdle := t.onIdle
	st.idle = t.clock.AfterFunc(t.debounce, func() {
		if onIdle != nil {
			onIdle(conversationID)
			return
		}
		t.StopTyping(context.Background(), conversationID)
	})
	t.mu.Unlock()

	if !write {
		return nil
	}
	return t.write(ctx, conversationID, true)
}

// StopTyping clears the local flag. Nothing is written when it was not set.
func (t *TypingCoordinator) StopTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	st, ok := t.local[conversationID]
	if !ok || !st.typing {
		t.mu.Unlock()
		return nil
	}
	st.typing = false
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
	t.mu.Unlock()

	return t.write(ctx, conversationID, false)
}

// IsTyping reports the local flag.
func (t *TypingCoordinator) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.local[conversationID]
	return ok && st.typing
}

// Observe feeds the other party's flag from a conversation snapshot. It
// returns the indicator state and whether it changed.
func (t *TypingCoordinator) Observe(c *entity.Conversation) (typing bool, changed bool) {
	other := t.role.Other()
	flag := c.Typing.For(other)
	stamp := c.TypingAt.For(other)

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.remote[c.ID]
	if !ok {
		st = &remoteTyping{}
		t.remote[c.ID] = st
	}
	before := st.typing

	switch {
	case !flag:
		st.typing = false
		st.expired = false
		st.stamp = stamp
		st.stopExpiry()
	case !before && st.expired && stamp.Equal(st.stamp):
		// a flag that already went stale and was never refreshed
	case !before || !stamp.Equal(st.stamp):
		st.typing = true
		st.expired = false
		st.stamp = stamp
		st.stopExpiry()
		onStale := t.onStale
		convID := c.ID
		st.expiry = t.clock.AfterFunc(t.staleAfter, func() {
			if onStale != nil {
				onStale(convID, stamp)
				return
			}
			t.Expire(convID, stamp)
		})
	}

	return st.typing, st.typing != before
}

// Expire drops the indicator if it was not refreshed since stamp. It reports
// whether the indicator changed.
func (t *TypingCoordinator) Expire(conversationID string, stamp time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.remote[conversationID]
	if !ok || !st.typing || !st.stamp.Equal(stamp) {
		return false
	}
	st.typing = false
	st.expired = true
	st.expiry = nil
	return true
}

// OtherTyping reports the current remote indicator.
func (t *TypingCoordinator) OtherTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.remote[conversationID]
	return ok && st.typing
}

// Forget stops the timers of a conversation.
func (t *TypingCoordinator) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.remote[conversationID]; ok {
		st.stopExpiry()
		delete(t.remote, conversationID)
	}
	if st, ok := t.local[conversationID]; ok && !st.typing {
		delete(t.local, conversationID)
	}
}

// Close stops every timer.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, st := range t.local {
		if st.idle != nil {
			st.idle.Stop()
		}
	}
	for _, st := range t.remote {
		st.stopExpiry()
	}
}

func (t *TypingCoordinator) write(ctx context.Context, conversationID string, typing bool) error {
	err := t.repo.Update(ctx, conversationID, []repository.Update{
		{Path: repository.TypingField(t.role), Value: typing},
		{Path: repository.TypingAtField(t.role), Value: repository.ServerTimestamp},
	})
	if err != nil {
		err = errors.Translate(err)
		logger.Warn("SetTyping Error: conversation %s typing=%v: %v", conversationID, typing, err)
		return err
	}
	return nil
}

func (st *remoteTyping) stopExpiry() {
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
}
