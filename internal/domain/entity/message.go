package entity

import (
	"sort"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage || t == MessageFile
}

// DeliveryState is local to a session and never persisted.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

type Message struct {
	ID             string        `json:"id" firestore:"id"`
	ConversationID string        `json:"conversation_id" firestore:"conversationId"`
	SenderID       string        `json:"sender_id" firestore:"senderId"`
	SenderName     string        `json:"sender_name" firestore:"senderName"`
	SenderRole     Role          `json:"sender_role" firestore:"senderRole"`
	Content        string        `json:"content" firestore:"content"`
	Type           MessageType   `json:"type" firestore:"type"`
	AttachmentURL  string        `json:"attachment_url,omitempty" firestore:"attachmentUrl,omitempty"`
	Timestamp      time.Time     `json:"timestamp" firestore:"timestamp,serverTimestamp"`
	Read           bool          `json:"read" firestore:"read"`
	ReadBy         []string      `json:"read_by" firestore:"readBy"`
	Delivered      bool          `json:"delivered" firestore:"delivered"`
	ClientToken    string        `json:"client_token,omitempty" firestore:"clientToken,omitempty"`
	State          DeliveryState `json:"state,omitempty" firestore:"-"`
	Err            string        `json:"error,omitempty" firestore:"-"`
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return &out
}

// Before orders messages by timestamp, then id.
func (m *Message) Before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

func SortMessages(list []*Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Before(list[j])
	})
}

func CloneMessages(list []*Message) []*Message {
	out := make([]*Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}
