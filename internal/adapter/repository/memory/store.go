// Package memory is an in-process implementation of the store repositories.
// It keeps the same semantics as the Firestore adapters (store-assigned ids
// and timestamps, atomic field updates, full-result-set subscription pushes)
// and lets tests inject faults.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
)

const (
	OpCreateConversation    = "conversations.create"
	OpGetConversation       = "conversations.get"
	OpQueryConversations    = "conversations.query"
	OpUpdateConversation    = "conversations.update"
	OpSubscribeConversation = "conversations.subscribe"
	OpCreateMessage         = "messages.create"
	OpListMessages          = "messages.list"
	OpMarkRead              = "messages.markRead"
	OpSubscribeMessages     = "messages.subscribe"
	OpCreateBlock           = "blocks.create"
)

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	conversations map[string]*entity.Conversation
	messages      map[string]map[string]*entity.Message
	blocks        []*entity.Block
	lastStamp     time.Time

	subs    map[uint64]*subscription
	nextSub uint64

	faults  map[string]error
	hangs   map[string]bool
	hanging map[string]int
	writes  map[string]int
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:         clk,
		conversations: make(map[string]*entity.Conversation),
		messages:      make(map[string]map[string]*entity.Message),
		subs:          make(map[uint64]*subscription),
		faults:        make(map[string]error),
		hangs:         make(map[string]bool),
		hanging:       make(map[string]int),
		writes:        make(map[string]int),
	}
}

// Fail makes every call to op return err until cleared with a nil err.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Hang makes calls to op block until their context is done.
func (s *Store) Hang(op string, hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !hang {
		delete(s.hangs, op)
		return
	}
	s.hangs[op] = true
}

// Hanging returns how many calls to op are blocked by Hang right now.
func (s *Store) Hanging(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hanging[op]
}

// Writes returns how many successful calls were made to a write op.
func (s *Store) Writes(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[op]
}

// Conversation returns a copy of the stored conversation, for assertions.
func (s *Store) Conversation(id string) (*entity.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// MessagesOf returns copies of every stored message of a conversation, oldest first.
func (s *Store) MessagesOf(conversationID string) []*entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, m.Clone())
	}
	entity.SortMessages(out)
	return out
}

func (s *Store) Conversations() *ConversationRepository {
	return &ConversationRepository{store: s}
}

func (s *Store) Messages() *MessageRepository {
	return &MessageRepository{store: s}
}

func (s *Store) Blocks() *BlockRepository {
	return &BlockRepository{store: s}
}

// check runs the injected behavior for op. It must be called without s.mu held.
func (s *Store) check(ctx context.Context, op string) error {
	s.mu.Lock()
	hang := s.hangs[op]
	err := s.faults[op]
	s.mu.Unlock()

	if hang {
		s.mu.Lock()
		s.hanging[op]++
		s.mu.Unlock()

		<-ctx.Done()

		s.mu.Lock()
		s.hanging[op]--
		s.mu.Unlock()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// stamp returns a strictly increasing store timestamp. Caller holds s.mu.
func (s *Store) stamp() time.Time {
	t := s.clock.Now()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func newID() string {
	return uuid.NewString()
}
