package usecase

import (
	"time"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

type EventType string

const (
	EventConversationsChanged EventType = "conversations_changed"
	EventConversationUpdated  EventType = "conversation_updated"
	EventConversationClosed   EventType = "conversation_closed"
	EventMessagesChanged      EventType = "messages_changed"
	EventMessageFailed        EventType = "message_failed"
	EventTypingChanged        EventType = "typing_changed"
	EventAutoScroll           EventType = "auto_scroll"
	EventNewMessages          EventType = "new_messages"
	EventError                EventType = "error"
)

// Event is what the engine tells the UI layer.
type Event struct {
	Type           EventType              `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Conversations  []*entity.Conversation `json:"conversations,omitempty"`
	Conversation   *entity.Conversation   `json:"conversation,omitempty"`
	Messages       []*entity.Message      `json:"messages,omitempty"`
	Message        *entity.Message        `json:"message,omitempty"`
	HasMore        bool                   `json:"has_more,omitempty"`
	Typing         bool                   `json:"typing,omitempty"`
	NewMessages    int                    `json:"new_messages,omitempty"`
	TotalUnread    uint32                 `json:"total_unread"`
	Error          *EventErrorInfo        `json:"error,omitempty"`
	At             time.Time              `json:"at"`
}

type EventErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func eventError(err error) *EventErrorInfo {
	if err == nil {
		return nil
	}
	appErr := errors.Translate(err).(*errors.AppError)
	return &EventErrorInfo{Code: appErr.Code, Message: appErr.Message}
}

// internal events funneled into the engine loop

type conversationsPushed struct {
	conversations []*entity.Conversation
}

type messagesPushed struct {
	conversationID string
	generation     uint64
	messages       []*entity.Message
}

type typingIdle struct {
	conversationID string
}

type typingStale struct {
	conversationID string
	stamp          time.Time
}

type markReadDue struct {
	conversationID string
	generation     uint64
}
