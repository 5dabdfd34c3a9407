package usecase

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/03AlAmine/jokko-agro/internal/adapter/repository/memory"
	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/pkg/config"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

func startConversation(t *testing.T, e *SyncEngine, messages ...string) string {
	t.Helper()
	var id string
	for _, m := range messages {
		got, err := e.CreateConversation(context.Background(), CreateConversationInput{
			Counterpart: producer,
			Product:     &entity.ProductRef{ProductID: "prod-1", ProductName: "Mangues Kent"},
			Message:     m,
		})
		require.NoError(t, err)
		if id != "" {
			require.Equal(t, id, got)
		}
		id = got
	}
	return id
}

func typingUpdate(role entity.Role, typing bool) []repository.Update {
	return []repository.Update{
		{Path: repository.TypingField(role), Value: typing},
		{Path: repository.TypingAtField(role), Value: repository.ServerTimestamp},
	}
}

func waitEvent(t *testing.T, e *SyncEngine, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-e.Events():
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			require.FailNow(t, "expected event not received")
			return Event{}
		}
	}
}

func TestNewSyncEngineValidates(t *testing.T) {
	f := newFixture(t)

	_, err := NewSyncEngine(EngineOptions{Role: entity.RoleBuyer})
	assert.True(t, errors.Is(err, errors.CodeBadRequest))

	_, err = NewSyncEngine(EngineOptions{UserID: "u", Role: "seller"})
	assert.True(t, errors.Is(err, errors.CodeBadRequest))

	_, err = NewSyncEngine(EngineOptions{UserID: "u", Role: entity.RoleBuyer, Clock: f.clock})
	assert.Error(t, err)
}

func TestBuyerFirstMessagesCreateOneConversation(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)

	id := startConversation(t, b, "Bonjour", "Vous avez encore des mangues ?", "Je voudrais 20 kg")

	live, err := f.store.Conversations().FindByPair(context.Background(), entity.PairKey(buyer.ID, producer.ID),
		[]entity.ConversationStatus{entity.StatusActive, entity.StatusArchived, entity.StatusBlocked, entity.StatusDeleted})
	require.NoError(t, err)
	assert.Len(t, live, 1)

	c := f.stored(id)
	assert.Equal(t, uint32(3), c.UnreadBy.Producer)
	assert.Equal(t, uint32(0), c.UnreadBy.Buyer)
	assert.Equal(t, uint32(3), c.UnreadCount())
	assert.Equal(t, "Je voudrais 20 kg", c.LastMessage)
	assert.False(t, c.LastMessageTime.IsZero())
	assert.Len(t, f.store.MessagesOf(id), 3)
}

func TestProducerReadsAfterDebounce(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour", "Encore là ?", "Merci")

	p := f.engine(producer, entity.RoleProducer)
	opened, err := p.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, opened.Messages, 3)
	assert.False(t, opened.HasMore)
	assertOrdered(t, opened.Messages)

	p.OnScrollPositionChanged(id, true)
	require.True(t, p.receipts.Pending())

	f.clock.Add(499 * time.Millisecond)
	assert.Equal(t, uint32(3), f.stored(id).UnreadBy.Producer)

	f.clock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return f.stored(id).UnreadBy.Producer == 0 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		for _, m := range f.store.MessagesOf(id) {
			if !m.Read {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assertUnreadInvariant(t, f.stored(id))
}

func TestBlurredProducerDoesNotRead(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	p := f.engine(producer, entity.RoleProducer)
	_, err := p.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	p.OnFocusChanged(false)

	f.clock.Add(2 * time.Second)
	assert.Never(t, func() bool { return f.stored(id).UnreadBy.Producer == 0 }, 50*time.Millisecond, tick)
}

func TestSendOnBlockedConversationFails(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	ctx := context.Background()

	require.NoError(t, b.SetConversationStatus(ctx, id, entity.StatusBlocked))
	stored := len(f.store.MessagesOf(id))

	_, err := b.SendMessage(ctx, SendMessageInput{ConversationID: id, Content: "encore ?"})
	assert.True(t, errors.Is(err, errors.CodeConversationClosed))
	assert.Len(t, f.store.MessagesOf(id), stored)
	msgs, _ := b.Messages(id)
	for _, m := range msgs {
		assert.NotEqual(t, "encore ?", m.Content)
	}

	assert.True(t, errors.Is(b.SetTyping(ctx, id, true), errors.CodeConversationClosed))
}

func TestSendRequiresContent(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)

	_, err := b.SendMessage(context.Background(), SendMessageInput{ConversationID: "x", Content: "   "})
	assert.True(t, errors.Is(err, errors.CodeBadRequest))
}

func TestLiveMessagesReachOpenConversation(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	p := f.engine(producer, entity.RoleProducer)
	_, err := p.OpenConversation(context.Background(), id)
	require.NoError(t, err)

	_, err = b.SendMessage(context.Background(), SendMessageInput{ConversationID: id, Content: "Prix du kilo ?"})
	require.NoError(t, err)

	ev := waitEvent(t, p, func(ev Event) bool { return ev.Type == EventAutoScroll })
	assert.Equal(t, id, ev.ConversationID)

	msgs, _ := p.Messages(id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Prix du kilo ?", msgs[1].Content)
	assertOrdered(t, msgs)
}

func TestScrolledUpShowsNewMessagesAffordance(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	p := f.engine(producer, entity.RoleProducer)
	_, err := p.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	p.OnScrollPositionChanged(id, false)

	_, err = b.SendMessage(context.Background(), SendMessageInput{ConversationID: id, Content: "Allô ?"})
	require.NoError(t, err)

	ev := waitEvent(t, p, func(ev Event) bool { return ev.Type == EventNewMessages && ev.NewMessages > 0 })
	assert.Equal(t, 1, ev.NewMessages)

	p.JumpToLatest(id)
	assert.Equal(t, 0, p.receipts.NewMessages())
	assert.True(t, p.receipts.AtBottom())
}

func TestOwnSendIsNotDuplicatedByPush(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	ctx := context.Background()

	_, err := b.OpenConversation(ctx, id)
	require.NoError(t, err)
	sent, err := b.SendMessage(ctx, SendMessageInput{ConversationID: id, Content: "Deuxième"})
	require.NoError(t, err)

	assert.Never(t, func() bool {
		msgs, _ := b.Messages(id)
		return len(msgs) != 2
	}, 100*time.Millisecond, tick)

	msgs, _ := b.Messages(id)
	require.Len(t, msgs, 2)
	assert.Equal(t, sent.ID, msgs[1].ID)
	assert.Equal(t, entity.StateConfirmed, msgs[1].State)
}

func TestFailedSendCanBeRetried(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	ctx := context.Background()

	f.store.Fail(memory.OpCreateMessage, stderrors.New("unavailable"))
	failed, err := b.SendMessage(ctx, SendMessageInput{ConversationID: id, Content: "Retry me"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeNetwork))
	assert.Equal(t, entity.StateFailed, failed.State)
	assert.Equal(t, uint32(1), f.stored(id).UnreadBy.Producer, "a failed send does not count as unread")

	f.store.Fail(memory.OpCreateMessage, nil)
	sent, err := b.RetryMessage(ctx, id, failed.ClientToken)
	require.NoError(t, err)
	assert.Equal(t, entity.StateConfirmed, sent.State)
	assert.Equal(t, uint32(2), f.stored(id).UnreadBy.Producer)
	assert.Len(t, f.store.MessagesOf(id), 2)
}

func TestSummaryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	f.store.Fail(memory.OpUpdateConversation, stderrors.New("unavailable"))
	sent, err := b.SendMessage(context.Background(), SendMessageInput{ConversationID: id, Content: "Deux"})
	require.NoError(t, err)
	assert.Equal(t, entity.StateConfirmed, sent.State)
	assert.Len(t, f.store.MessagesOf(id), 2)
}

func TestTypingReachesOtherSide(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	ctx := context.Background()

	p := f.engine(producer, entity.RoleProducer)
	_, err := p.OpenConversation(ctx, id)
	require.NoError(t, err)

	require.NoError(t, b.SetTyping(ctx, id, true))
	waitEvent(t, p, func(ev Event) bool { return ev.Type == EventTypingChanged && ev.Typing })

	f.clock.Add(time.Second)
	waitEvent(t, p, func(ev Event) bool { return ev.Type == EventTypingChanged && !ev.Typing })
	assert.False(t, f.stored(id).Typing.Buyer)
}

func TestCrashedTyperExpires(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	ctx := context.Background()

	p := f.engine(producer, entity.RoleProducer)
	_, err := p.OpenConversation(ctx, id)
	require.NoError(t, err)

	// a client that died mid-type leaves the flag set
	require.NoError(t, f.store.Conversations().Update(ctx, id, typingUpdate(entity.RoleBuyer, true)))
	waitEvent(t, p, func(ev Event) bool { return ev.Type == EventTypingChanged && ev.Typing })

	f.clock.Add(5 * time.Second)
	waitEvent(t, p, func(ev Event) bool { return ev.Type == EventTypingChanged && !ev.Typing })
	assert.True(t, f.stored(id).Typing.Buyer)
	assert.False(t, p.typing.OtherTyping(id))
}

func TestRemoteDeleteClosesOpenConversation(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	p := f.engine(producer, entity.RoleProducer)
	_, err := p.OpenConversation(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, b.SetConversationStatus(context.Background(), id, entity.StatusDeleted))

	ev := waitEvent(t, p, func(ev Event) bool { return ev.Type == EventConversationClosed })
	assert.Equal(t, id, ev.ConversationID)
	assert.Eventually(t, func() bool { return p.OpenConversationID() == "" }, waitFor, tick)
}

func TestLoadOlderThroughEngine(t *testing.T) {
	f := newFixture(t)
	id := f.conversation()
	f.seed(id, buyer, entity.RoleBuyer, 25)

	p := f.engine(producer, entity.RoleProducer)
	opened, err := p.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, opened.Messages, 20)
	assert.True(t, opened.HasMore)

	older, hasMore, err := p.LoadOlderMessages(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, older, 5)
	assert.False(t, hasMore)

	msgs, _ := p.Messages(id)
	assert.Len(t, msgs, 25)
	assertOrdered(t, msgs)
}

func TestResubscribesAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	_, err := b.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.store.Subscribers() == 2 }, waitFor, tick)

	f.store.Disconnect(stderrors.New("listener dropped"))
	waitEvent(t, b, func(ev Event) bool { return ev.Type == EventError })

	assert.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		return f.store.Subscribers() == 2
	}, waitFor, tick)
}

func TestResubscribesStalledStream(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	_, err := b.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.store.Subscribers() == 2 }, waitFor, tick)

	f.store.StallSubscriptions()
	f.seed(id, producer, entity.RoleProducer, 1)

	stale := config.DefaultSyncConfig().SubscriptionStaleAfter()
	assert.Eventually(t, func() bool {
		f.clock.Add(stale / 4)
		msgs, _ := b.Messages(id)
		return len(msgs) == 2
	}, waitFor, tick)
}

func TestCloseConversationStopsLiveUpdates(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	_, err := b.OpenConversation(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.store.Subscribers() == 2 }, waitFor, tick)

	b.CloseConversation()
	assert.Empty(t, b.OpenConversationID())
	assert.Eventually(t, func() bool { return f.store.Subscribers() == 1 }, waitFor, tick)
}

func TestListAndSearchThroughEngine(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	p := f.engine(producer, entity.RoleProducer)
	require.Eventually(t, func() bool { return len(p.ListConversations(entity.FilterUnread)) == 1 }, waitFor, tick)
	assert.Equal(t, uint32(1), p.TotalUnread())
	assert.Len(t, p.SearchConversations("awa", entity.FilterAll), 1)
	assert.Len(t, p.SearchConversations("mangues", entity.FilterAll), 1)
	assert.Empty(t, p.SearchConversations("riz", entity.FilterAll))

	require.NoError(t, p.SetConversationStatus(context.Background(), id, entity.StatusArchived))
	assert.Eventually(t, func() bool {
		return len(p.ListConversations(entity.FilterArchived)) == 1 && len(p.ListConversations(entity.FilterAll)) == 0
	}, waitFor, tick)
}

func TestBlockUserThroughEngine(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")

	p := f.engine(producer, entity.RoleProducer)
	require.NoError(t, p.BlockUser(context.Background(), buyer.ID))
	assert.Equal(t, entity.StatusBlocked, f.stored(id).Status)

	_, err := b.CreateConversation(context.Background(), CreateConversationInput{Counterpart: producer, Message: "?"})
	assert.True(t, errors.Is(err, errors.CodeConversationClosed))
}

func TestSwappedRolesGetTheirOwnConversation(t *testing.T) {
	f := newFixture(t)
	b := f.engine(buyer, entity.RoleBuyer)
	id := startConversation(t, b, "Bonjour")
	ctx := context.Background()

	// the producer shopping from the buyer's own farm
	swapped := f.engine(producer, entity.RoleBuyer)

	_, err := swapped.SendMessage(ctx, SendMessageInput{ConversationID: id, Content: "Salut"})
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	assert.True(t, errors.Is(swapped.SetTyping(ctx, id, true), errors.CodeForbidden))
	_, err = swapped.OpenConversation(ctx, id)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	assert.Len(t, f.store.MessagesOf(id), 1)

	other, err := swapped.CreateConversation(ctx, CreateConversationInput{Counterpart: buyer, Message: "Vous vendez des oignons ?"})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	c := f.stored(other)
	assert.Equal(t, producer.ID, c.Buyer.ID)
	assert.Equal(t, buyer.ID, c.Producer.ID)
	assert.Equal(t, uint32(1), c.UnreadBy.Producer)
	assert.Equal(t, uint32(0), c.UnreadBy.Buyer)

	original := f.stored(id)
	assert.Equal(t, uint32(1), original.UnreadBy.Producer)
	assert.Equal(t, uint32(0), original.UnreadBy.Buyer)
	assert.Equal(t, entity.StatusActive, original.Status)
}

func TestOutsiderCannotReadHistory(t *testing.T) {
	f := newFixture(t)
	id := f.conversation()
	f.seed(id, buyer, entity.RoleBuyer, 25)
	ctx := context.Background()

	outsider := f.engine(entity.Participant{ID: "outsider", Name: "Curieux"}, entity.RoleBuyer)

	_, err := outsider.OpenConversation(ctx, id)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	cached, _ := outsider.Messages(id)
	assert.Empty(t, cached)

	older, _, err := outsider.LoadOlderMessages(ctx, id)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	assert.Empty(t, older)
	cached, _ = outsider.Messages(id)
	assert.Empty(t, cached)
}

func TestHiddenDuplicateRoutesToCanonical(t *testing.T) {
	f := newFixture(t)
	first := f.conversation()
	f.clock.Add(time.Second)
	second := f.conversation()
	ctx := context.Background()

	b := f.engine(buyer, entity.RoleBuyer)
	require.Eventually(t, func() bool { return b.registry.Canonical(second) == first }, waitFor, tick)

	require.NoError(t, b.SetTyping(ctx, second, true))
	assert.True(t, f.stored(first).Typing.For(entity.RoleBuyer))
	assert.False(t, f.stored(second).Typing.For(entity.RoleBuyer))

	f.store.Fail(memory.OpCreateMessage, stderrors.New("unavailable"))
	failed, err := b.SendMessage(ctx, SendMessageInput{ConversationID: second, Content: "Bonjour"})
	require.Error(t, err)
	assert.Equal(t, first, failed.ConversationID)

	f.store.Fail(memory.OpCreateMessage, nil)
	sent, err := b.RetryMessage(ctx, second, failed.ClientToken)
	require.NoError(t, err)
	assert.Equal(t, entity.StateConfirmed, sent.State)
	assert.Len(t, f.store.MessagesOf(first), 1)
	assert.Empty(t, f.store.MessagesOf(second))
}
