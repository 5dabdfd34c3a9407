package repository

import (
	"context"
	"time"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
)

type MessageSnapshot struct {
	Messages   []*entity.Message
	ReceivedAt time.Time
	Err        error
}

type MessageRepository interface {
	// Create stores message and returns the stored copy with id and timestamp set.
	Create(ctx context.Context, message *entity.Message) (*entity.Message, error)
	GetByID(ctx context.Context, conversationID, id string) (*entity.Message, error)
	// ListRecent returns the newest limit messages, oldest first.
	ListRecent(ctx context.Context, conversationID string, limit int) ([]*entity.Message, error)
	// ListBefore returns up to limit messages strictly older than beforeID,
	// oldest first.
	ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*entity.Message, error)
	// MarkRead flags every unread message sent by senderRole as read by readerID.
	MarkRead(ctx context.Context, conversationID string, senderRole entity.Role, readerID string) (int, error)
	// Subscribe streams the messages with a timestamp at or after since, oldest
	// first. A zero since streams the newest limit messages.
	Subscribe(ctx context.Context, conversationID string, since time.Time, limit int) (<-chan MessageSnapshot, error)
}
