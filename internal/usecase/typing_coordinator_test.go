package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/03AlAmine/jokko-agro/internal/adapter/repository/memory"
	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
)

func newTyping(f *fixture, role entity.Role) *TypingCoordinator {
	return NewTypingCoordinator(f.store.Conversations(), f.clock, role, time.Second, 5*time.Second)
}

func TestTypingStopsAfterIdleDebounce(t *testing.T) {
	f := newFixture(t)
	id := f.conversation()
	tc := newTyping(f, entity.RoleBuyer)
	ctx := context.Background()

	require.NoError(t, tc.StartTyping(ctx, id))
	assert.True(t, f.stored(id).Typing.Buyer)
	writes := f.store.Writes(memory.OpUpdateConversation)

	f.clock.Add(500 * time.Millisecond)
	require.NoError(t, tc.StartTyping(ctx, id))
	assert.Equal(t, writes, f.store.Writes(memory.OpUpdateConversation), "a held flag is not rewritten on every keystroke")

	f.clock.Add(999 * time.Millisecond)
	assert.True(t, f.stored(id).Typing.Buyer)

	f.clock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return !f.stored(id).Typing.Buyer }, waitFor, tick)
	assert.False(t, tc.IsTyping(id))
}

func TestTypingRefreshesHeldFlag(t *testing.T) {
	f := newFixture(t)
	id := f.conversation()
	tc := newTyping(f, entity.RoleBuyer)
	ctx := context.Background()

	require.NoError(t, tc.StartTyping(ctx, id))
	first := f.stored(id).TypingAt.Buyer
	writes := f.store.Writes(memory.OpUpdateConversation)

	for i := 0; i < 5; i++ {
		f.clock.Add(500 * time.Millisecond)
		require.NoError(t, tc.StartTyping(ctx, id))
	}

	assert.Equal(t, writes+1, f.store.Writes(memory.OpUpdateConversation))
	assert.True(t, f.stored(id).TypingAt.Buyer.After(first))
}

func TestStopTypingWritesOnlyWhenSet(t *testing.T) {
	f := newFixture(t)
	id := f.conversation()
	tc := newTyping(f, entity.RoleBuyer)
	ctx := context.Background()

	writes := f.store.Writes(memory.OpUpdateConversation)
	require.NoError(t, tc.StopTyping(ctx, id))
	assert.Equal(t, writes, f.store.Writes(memory.OpUpdateConversation))

	require.NoError(t, tc.StartTyping(ctx, id))
	require.NoError(t, tc.StopTyping(ctx, id))
	assert.Equal(t, writes+2, f.store.Writes(memory.OpUpdateConversation))
	assert.False(t, f.stored(id).Typing.Buyer)
}

func TestRemoteTypingExpiresWithoutRefresh(t *testing.T) {
	f := newFixture(t)
	tc := newTyping(f, entity.RoleProducer)

	stamp := f.clock.Now()
	conv := &entity.Conversation{ID: "c1", Status: entity.StatusActive}
	conv.Typing.Set(entity.RoleBuyer, true)
	conv.TypingAt.Set(entity.RoleBuyer, stamp)

	typing, changed := tc.Observe(conv)
	assert.True(t, typing)
	assert.True(t, changed)

	f.clock.Add(4 * time.Second)
	assert.True(t, tc.OtherTyping("c1"))

	f.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return !tc.OtherTyping("c1") }, waitFor, tick)

	// the same stale flag does not bring the indicator back
	typing, changed = tc.Observe(conv)
	assert.False(t, typing)
	assert.False(t, changed)

	conv.TypingAt.Set(entity.RoleBuyer, stamp.Add(6*time.Second))
	typing, changed = tc.Observe(conv)
	assert.True(t, typing)
	assert.True(t, changed)
}

func TestRemoteTypingRefreshExtendsIndicator(t *testing.T) {
	f := newFixture(t)
	tc := newTyping(f, entity.RoleProducer)

	conv := &entity.Conversation{ID: "c1", Status: entity.StatusActive}
	conv.Typing.Set(entity.RoleBuyer, true)
	conv.TypingAt.Set(entity.RoleBuyer, f.clock.Now())
	tc.Observe(conv)

	f.clock.Add(3 * time.Second)
	conv.TypingAt.Set(entity.RoleBuyer, f.clock.Now())
	_, changed := tc.Observe(conv)
	assert.False(t, changed)

	f.clock.Add(3 * time.Second)
	assert.True(t, tc.OtherTyping("c1"))

	conv.Typing.Set(entity.RoleBuyer, false)
	typing, changed := tc.Observe(conv)
	assert.False(t, typing)
	assert.True(t, changed)
}

func TestObserveIgnoresOwnFlag(t *testing.T) {
	f := newFixture(t)
	tc := newTyping(f, entity.RoleBuyer)

	conv := &entity.Conversation{ID: "c1", Status: entity.StatusActive}
	conv.Typing.Set(entity.RoleBuyer, true)

	typing, changed := tc.Observe(conv)
	assert.False(t, typing)
	assert.False(t, changed)
}
