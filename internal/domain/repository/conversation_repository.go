package repository

import (
	"context"
	"time"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
)

const (
	FieldStatus          = "status"
	FieldLastMessage     = "lastMessage"
	FieldLastMessageTime = "lastMessageTime"
)

func UnreadField(role entity.Role) string {
	return "unreadBy." + string(role)
}

func TypingField(role entity.Role) string {
	return "typing." + string(role)
}

func TypingAtField(role entity.Role) string {
	return "typingAt." + string(role)
}

// Update is a single-field write. Value is either a plain value, an
// IncrementValue or ServerTimestamp.
type Update struct {
	Path  string
	Value interface{}
}

// IncrementValue asks the store to add Delta to a numeric field atomically.
type IncrementValue struct {
	Delta int
}

func Increment(delta int) IncrementValue {
	return IncrementValue{Delta: delta}
}

type serverTimestamp struct{}

// ServerTimestamp is replaced with the store's clock when the write is applied.
var ServerTimestamp = serverTimestamp{}

func IsServerTimestamp(v interface{}) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ConversationSnapshot is one push of a conversation subscription: the full
// current result set, or a terminal error.
type ConversationSnapshot struct {
	Conversations []*entity.Conversation
	ReceivedAt    time.Time
	Err           error
}

type ConversationRepository interface {
	// Create stores a new conversation and returns the id assigned by the store.
	Create(ctx context.Context, conversation *entity.Conversation) (string, error)
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	FindByPair(ctx context.Context, pairKey string, statuses []entity.ConversationStatus) ([]*entity.Conversation, error)
	ListByMember(ctx context.Context, userID string) ([]*entity.Conversation, error)
	// Update applies all updates to one document atomically and bumps updatedAt.
	Update(ctx context.Context, id string, updates []Update) error
	// Subscribe streams the conversations where userID plays role, excluding
	// deleted ones. The channel is closed when ctx is done or after a snapshot
	// carrying Err.
	Subscribe(ctx context.Context, role entity.Role, userID string) (<-chan ConversationSnapshot, error)
}

type BlockRepository interface {
	Create(ctx context.Context, block *entity.Block) error
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
}
