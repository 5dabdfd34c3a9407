package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/lock"
	"github.com/03AlAmine/jokko-agro/pkg/config"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const eventBuffer = 256

type EngineOptions struct {
	UserID   string
	UserName string
	Avatar   string
	Role     entity.Role

	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Blocks        repository.BlockRepository
	// PairLocker serializes conversation creation per buyer/producer pair.
	// Defaults to a process-local locker.
	PairLocker lock.Locker
	Clock      clock.Clock
	Sync       config.SyncConfig
}

// SyncEngine is one signed-in session's view of its conversations. Remote
// pushes and timers are funneled into a single loop goroutine; UI calls run
// on the caller's goroutine and only touch the components' own locks.
type SyncEngine struct {
	self  entity.Participant
	role  entity.Role
	clock clock.Clock
	cfg   config.SyncConfig

	conversations repository.ConversationRepository
	messageRepo   repository.MessageRepository

	registry *ConversationRegistry
	messages *MessageLog
	unread   *UnreadTracker
	typing   *TypingCoordinator
	receipts *ReadReceiptScheduler

	inbox  chan interface{}
	events chan Event

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool

	emitMu sync.RWMutex
	closed bool

	mu         sync.Mutex
	openID     string
	openGen    uint64
	liveCancel context.CancelFunc
}

// OpenedConversation is the result of OpenConversation.
type OpenedConversation struct {
	Conversation *entity.Conversation `json:"conversation"`
	Messages     []*entity.Message    `json:"messages"`
	HasMore      bool                 `json:"has_more"`
	OtherTyping  bool                 `json:"other_typing"`
}

type SendMessageInput struct {
	ConversationID string             `json:"conversation_id" validate:"required"`
	Content        string             `json:"content" validate:"max=4000"`
	Type           entity.MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	AttachmentURL  string             `json:"attachment_url" validate:"omitempty,url"`
}

func NewSyncEngine(opts EngineOptions) (*SyncEngine, error) {
	if opts.UserID == "" {
		return nil, errors.BadRequest("User ID is required", nil)
	}
	if !opts.Role.Valid() {
		return nil, errors.BadRequest("Unknown role "+string(opts.Role), nil)
	}
	if opts.Conversations == nil || opts.Messages == nil || opts.Blocks == nil {
		return nil, errors.Internal("Sync engine needs conversation, message and block repositories", nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PairLocker == nil {
		opts.PairLocker = lock.NewLocalLocker()
	}
	cfg := opts.Sync.WithDefaults()

	avatar := opts.Avatar
	if avatar == "" {
		avatar = entity.AvatarFor(opts.UserName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		self:          entity.Participant{ID: opts.UserID, Name: opts.UserName, Avatar: avatar},
		role:          opts.Role,
		clock:         opts.Clock,
		cfg:           cfg,
		conversations: opts.Conversations,
		messageRepo:   opts.Messages,
		inbox:         make(chan interface{}),
		events:        make(chan Event, eventBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}

	e.registry = NewConversationRegistry(opts.Conversations, opts.Blocks, opts.PairLocker, opts.UserID, opts.Role)
	e.messages = NewMessageLog(opts.Messages, opts.Clock, cfg.PageSize, cfg.SendTimeout())
	e.unread = NewUnreadTracker(opts.Conversations, opts.Messages, e.registry)
	e.typing = NewTypingCoordinator(opts.Conversations, opts.Clock, opts.Role, cfg.TypingDebounce(), cfg.TypingStaleAfter())
	e.receipts = NewReadReceiptScheduler(opts.Clock, cfg.ReadDebounce(), e.unreadFor)

	e.messages.Notify(e.onMessagesChanged)
	e.typing.Notify(
		func(id string) { e.post(typingIdle{conversationID: id}) },
		func(id string, stamp time.Time) { e.post(typingStale{conversationID: id, stamp: stamp}) },
	)
	e.receipts.Notify(func(id string, generation uint64) {
		e.post(markReadDue{conversationID: id, generation: generation})
	})

	return e, nil
}

// Start opens the conversation list subscription and runs the event loop
// until Close.
func (e *SyncEngine) Start() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()
	go func() {
		defer e.wg.Done()
		e.keepAlive(e.ctx, "conversations", e.conversationStream)
	}()

	logger.Info("SyncEngine started for %s user %s", e.role, e.self.ID)
}

// Close stops subscriptions and timers. Pending writes are abandoned.
func (e *SyncEngine) Close() {
	e.cancel()
	e.typing.Close()
	e.receipts.Close()
	e.wg.Wait()

	e.emitMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.emitMu.Unlock()

	logger.Info("SyncEngine closed for %s user %s", e.role, e.self.ID)
}

// Events streams UI notifications. Events are dropped when the consumer
// falls behind by more than the buffer.
func (e *SyncEngine) Events() <-chan Event {
	return e.events
}

func (e *SyncEngine) UserID() string {
	return e.self.ID
}

func (e *SyncEngine) Role() entity.Role {
	return e.role
}

// OpenConversation selects a conversation, loads its newest page and
// starts the live message subscription.
func (e *SyncEngine) OpenConversation(ctx context.Context, id string) (*OpenedConversation, error) {
	conv, err := e.resolveOwn(ctx, id)
	if err != nil {
		return nil, err
	}
	id = conv.ID

	page, hasMore, err := e.messages.LoadInitial(ctx, id)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			e.messages.Forget(id)
		}
		return nil, err
	}

	generation, previous := e.switchOpen(id)
	if previous != "" && previous != id {
		e.leave(previous)
	}

	e.registry.Select(id)
	e.receipts.Open(id)
	otherTyping, _ := e.typing.Observe(conv)

	logger.Debug("OpenConversation: %s by %s", id, e.self.ID)
	e.startLive(id, generation)

	return &OpenedConversation{
		Conversation: conv,
		Messages:     page,
		HasMore:      hasMore,
		OtherTyping:  otherTyping,
	}, nil
}

// resolveOwn resolves a conversation this session may write to: the caller
// must hold the session's role in it.
func (e *SyncEngine) resolveOwn(ctx context.Context, id string) (*entity.Conversation, error) {
	conv, err := e.registry.Resolve(ctx, e.registry.Canonical(id))
	if err != nil {
		return nil, err
	}
	if role, _ := conv.RoleOf(e.self.ID); role != e.role {
		return nil, errors.Forbidden("Conversation belongs to your "+string(role)+" inbox", nil)
	}
	return conv, nil
}

// CloseConversation leaves the open conversation, if any.
func (e *SyncEngine) CloseConversation() {
	_, previous := e.switchOpen("")
	if previous != "" {
		e.leave(previous)
	}
	e.registry.Deselect()
	e.receipts.Close()
}

func (e *SyncEngine) OpenConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openID
}

// SendMessage appends a message optimistically and writes it. The unread
// counters and the last message summary follow in a second write; if that
// one fails the next snapshot reconciles it.
func (e *SyncEngine) SendMessage(ctx context.Context, in SendMessageInput) (*entity.Message, error) {
	if strings.TrimSpace(in.Content) == "" && in.AttachmentURL == "" {
		return nil, errors.BadRequest("Message content is required", nil)
	}
	if in.Type == "" {
		in.Type = entity.MessageText
	}

	conv, err := e.resolveOwn(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed() {
		return nil, errors.ConversationClosed(conv.ID)
	}

	msg, err := e.messages.Append(ctx, OutgoingMessage{
		ConversationID: conv.ID,
		SenderID:       e.self.ID,
		SenderName:     e.self.Name,
		SenderRole:     e.role,
		Content:        in.Content,
		Type:           in.Type,
		AttachmentURL:  in.AttachmentURL,
	})
	if err != nil {
		e.emit(Event{Type: EventMessageFailed, ConversationID: conv.ID, Message: msg, Error: eventError(err)})
		return msg, err
	}

	e.afterSend(ctx, conv.ID, msg)
	return msg, nil
}

// RetryMessage re-sends a failed message under a new client token.
func (e *SyncEngine) RetryMessage(ctx context.Context, conversationID, clientToken string) (*entity.Message, error) {
	conv, err := e.resolveOwn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed() {
		return nil, errors.ConversationClosed(conv.ID)
	}

	msg, err := e.messages.Retry(ctx, conv.ID, clientToken)
	if err != nil {
		if msg != nil {
			e.emit(Event{Type: EventMessageFailed, ConversationID: conv.ID, Message: msg, Error: eventError(err)})
		}
		return msg, err
	}

	e.afterSend(ctx, conv.ID, msg)
	return msg, nil
}

// DiscardMessage drops a failed message from the log.
func (e *SyncEngine) DiscardMessage(conversationID, clientToken string) error {
	if !e.messages.Discard(conversationID, clientToken) {
		return errors.NotFound("Failed message", nil)
	}
	e.onMessagesChanged(conversationID)
	return nil
}

// LoadOlderMessages pages backwards from the oldest loaded message.
func (e *SyncEngine) LoadOlderMessages(ctx context.Context, conversationID string) ([]*entity.Message, bool, error) {
	if _, err := e.registry.Resolve(ctx, conversationID); err != nil {
		return nil, false, err
	}
	older, hasMore, err := e.messages.LoadOlder(ctx, conversationID, "")
	if err != nil {
		return nil, false, err
	}
	if len(older) > 0 {
		e.onMessagesChanged(conversationID)
	}
	return older, hasMore, nil
}

// LoadMessagesBefore pages backwards from an explicit cursor.
func (e *SyncEngine) LoadMessagesBefore(ctx context.Context, conversationID, beforeMessageID string) ([]*entity.Message, bool, error) {
	if _, err := e.registry.Resolve(ctx, conversationID); err != nil {
		return nil, false, err
	}
	return e.messages.LoadOlder(ctx, conversationID, beforeMessageID)
}

func (e *SyncEngine) Messages(conversationID string) ([]*entity.Message, bool) {
	return e.messages.Messages(conversationID)
}

// SetTyping publishes the local typing flag.
func (e *SyncEngine) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	conversationID = e.registry.Canonical(conversationID)
	if !typing {
		return e.typing.StopTyping(ctx, conversationID)
	}

	conv, err := e.resolveOwn(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Closed() {
		return errors.ConversationClosed(conv.ID)
	}
	return e.typing.StartTyping(ctx, conv.ID)
}

func (e *SyncEngine) OnScrollPositionChanged(conversationID string, atBottom bool) {
	if conversationID != e.OpenConversationID() {
		return
	}
	e.receipts.OnScroll(atBottom)
	if atBottom {
		e.emit(Event{Type: EventNewMessages, ConversationID: conversationID})
	}
}

func (e *SyncEngine) OnFocusChanged(focused bool) {
	e.receipts.OnFocus(focused)
}

// JumpToLatest is the user clicking the new messages affordance.
func (e *SyncEngine) JumpToLatest(conversationID string) {
	if conversationID != e.OpenConversationID() {
		return
	}
	e.receipts.JumpToLatest()
	e.emit(Event{Type: EventAutoScroll, ConversationID: conversationID})
}

func (e *SyncEngine) ListConversations(filter entity.ConversationFilter) []*entity.Conversation {
	return e.registry.List(filter)
}

func (e *SyncEngine) SearchConversations(query string, filter entity.ConversationFilter) []*entity.Conversation {
	return e.registry.Search(query, filter)
}

func (e *SyncEngine) TotalUnread() uint32 {
	return e.registry.TotalUnread()
}

func (e *SyncEngine) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	return e.registry.Resolve(ctx, e.registry.Canonical(id))
}

// CreateConversation opens or reuses the conversation with counterpart and
// sends the first message.
func (e *SyncEngine) CreateConversation(ctx context.Context, in CreateConversationInput) (string, error) {
	id, err := e.registry.Create(ctx, e.self, in, func(ctx context.Context, conversationID string) error {
		_, err := e.SendMessage(ctx, SendMessageInput{ConversationID: conversationID, Content: in.Message})
		return err
	})
	if err != nil {
		return id, err
	}
	e.emitConversations()
	return id, nil
}

func (e *SyncEngine) SetConversationStatus(ctx context.Context, id string, status entity.ConversationStatus) error {
	if err := e.registry.SetStatus(ctx, id, status); err != nil {
		return err
	}
	if status.Terminal() {
		if err := e.typing.StopTyping(ctx, id); err != nil {
			logger.Debug("SetConversationStatus: clear typing on %s: %v", id, err)
		}
	}
	e.emitConversations()
	return nil
}

func (e *SyncEngine) BlockUser(ctx context.Context, otherUserID string) error {
	if err := e.registry.BlockUser(ctx, otherUserID); err != nil {
		return err
	}
	e.emitConversations()
	return nil
}

func (e *SyncEngine) afterSend(ctx context.Context, conversationID string, msg *entity.Message) {
	if err := e.typing.StopTyping(ctx, conversationID); err != nil {
		logger.Debug("SendMessage: clear typing on %s: %v", conversationID, err)
	}

	err := e.unread.OnMessageSent(ctx, conversationID, e.role,
		repository.Update{Path: repository.FieldLastMessage, Value: lastMessagePreview(msg)},
		repository.Update{Path: repository.FieldLastMessageTime, Value: repository.ServerTimestamp},
	)
	if err != nil {
		logger.Warn("SendMessage: summary of %s not updated, waiting for the next snapshot: %v", conversationID, err)
	}
}

func lastMessagePreview(msg *entity.Message) string {
	if strings.TrimSpace(msg.Content) != "" {
		return entity.Preview(msg.Content)
	}
	switch msg.Type {
	case entity.MessageImage:
		return "📷 Image"
	case entity.MessageFile:
		return "📎 File"
	}
	return ""
}

// switchOpen makes id the open conversation and returns its live
// subscription generation and the previously open id.
func (e *SyncEngine) switchOpen(id string) (uint64, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.openID
	if e.liveCancel != nil {
		e.liveCancel()
		e.liveCancel = nil
	}
	e.openGen++
	e.openID = id
	return e.openGen, previous
}

func (e *SyncEngine) leave(id string) {
	e.spawn(func(ctx context.Context) {
		if err := e.typing.StopTyping(ctx, id); err != nil {
			logger.Debug("CloseConversation: clear typing on %s: %v", id, err)
		}
		e.typing.Forget(id)
	})
	e.messages.Forget(id)
}

func (e *SyncEngine) startLive(id string, generation uint64) {
	e.mu.Lock()
	if e.openGen != generation {
		e.mu.Unlock()
		return
	}
	liveCtx, cancel := context.WithCancel(e.ctx)
	e.liveCancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.keepAlive(liveCtx, "messages of "+id, e.messageStream(id, generation))
	}()
}

func (e *SyncEngine) currentGeneration() (string, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openID, e.openGen
}

func (e *SyncEngine) viewing() bool {
	return e.OpenConversationID() != ""
}

func (e *SyncEngine) unreadFor(conversationID string) uint32 {
	c, ok := e.registry.Get(conversationID)
	if !ok {
		return 0
	}
	return c.UnreadBy.For(e.role)
}

// post hands an internal event to the loop. It gives up once the engine
// is closed.
func (e *SyncEngine) post(ev interface{}) bool {
	select {
	case e.inbox <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *SyncEngine) spawn(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

func (e *SyncEngine) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.inbox:
			e.handle(ev)
		}
	}
}

func (e *SyncEngine) handle(ev interface{}) {
	switch ev := ev.(type) {
	case conversationsPushed:
		e.onConversations(ev.conversations)

	case messagesPushed:
		openID, generation := e.currentGeneration()
		if ev.conversationID != openID || ev.generation != generation {
			return
		}
		added := e.messages.Merge(ev.conversationID, ev.messages)
		if len(added) == 0 {
			e.onMessagesChanged(ev.conversationID)
			return
		}
		decision := e.receipts.OnNewMessages(len(added))
		e.onMessagesChanged(ev.conversationID)
		if decision.AutoScroll {
			e.emit(Event{Type: EventAutoScroll, ConversationID: ev.conversationID})
		} else if decision.NewMessages > 0 {
			e.emit(Event{Type: EventNewMessages, ConversationID: ev.conversationID, NewMessages: decision.NewMessages})
		}

	case typingIdle:
		e.spawn(func(ctx context.Context) {
			if err := e.typing.StopTyping(ctx, ev.conversationID); err != nil {
				logger.Debug("typing idle on %s: %v", ev.conversationID, err)
			}
		})

	case typingStale:
		if e.typing.Expire(ev.conversationID, ev.stamp) {
			e.emit(Event{Type: EventTypingChanged, ConversationID: ev.conversationID, Typing: false})
		}

	case markReadDue:
		if !e.receipts.Due(ev.conversationID, ev.generation) {
			return
		}
		e.spawn(func(ctx context.Context) {
			if err := e.unread.MarkRead(ctx, ev.conversationID, e.role, e.self.ID); err != nil {
				e.emit(Event{Type: EventError, ConversationID: ev.conversationID, Error: eventError(err)})
				return
			}
			e.emitConversations()
		})

	default:
		logger.Warn("SyncEngine: unexpected event %T", ev)
	}
}

func (e *SyncEngine) onConversations(snapshot []*entity.Conversation) {
	list := e.registry.Apply(snapshot)
	e.emit(Event{Type: EventConversationsChanged, Conversations: list, TotalUnread: e.registry.TotalUnread()})

	openID := e.OpenConversationID()
	if openID == "" {
		return
	}

	conv, ok := e.registry.Get(openID)
	if !ok {
		// deleted remotely or the caller lost access
		e.CloseConversation()
		e.emit(Event{
			Type:           EventConversationClosed,
			ConversationID: openID,
			Error:          eventError(errors.NotFound("Conversation", nil)),
		})
		return
	}

	e.emit(Event{Type: EventConversationUpdated, ConversationID: openID, Conversation: conv})
	if typing, changed := e.typing.Observe(conv); changed {
		e.emit(Event{Type: EventTypingChanged, ConversationID: openID, Typing: typing})
	}
	if conv.Closed() {
		e.emit(Event{Type: EventConversationClosed, ConversationID: openID, Conversation: conv})
	}
	e.receipts.Reevaluate()
}

func (e *SyncEngine) onMessagesChanged(conversationID string) {
	if conversationID != e.OpenConversationID() {
		return
	}
	msgs, hasMore := e.messages.Messages(conversationID)
	e.emit(Event{Type: EventMessagesChanged, ConversationID: conversationID, Messages: msgs, HasMore: hasMore})
}

func (e *SyncEngine) emitConversations() {
	e.emit(Event{
		Type:          EventConversationsChanged,
		Conversations: e.registry.List(entity.FilterAll),
		TotalUnread:   e.registry.TotalUnread(),
	})
}

func (e *SyncEngine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	if ev.Type != EventConversationsChanged && ev.TotalUnread == 0 {
		ev.TotalUnread = e.registry.TotalUnread()
	}

	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		logger.Debug("SyncEngine: dropped %s event for %s, consumer is behind", ev.Type, e.self.ID)
	}
}
