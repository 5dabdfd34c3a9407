package entity

import (
	"sort"
	"strings"
	"time"

	"github.com/aquilax/truncate"
)

const previewLength = 50

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleProducer Role = "producer"
)

func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleProducer
}

// Other returns the counterpart role in a two-party conversation.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleProducer
	}
	return RoleBuyer
}

type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusBlocked  ConversationStatus = "blocked"
	StatusDeleted  ConversationStatus = "deleted"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusBlocked, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s ConversationStatus) Terminal() bool {
	return s == StatusBlocked || s == StatusDeleted
}

type ConversationFilter string

const (
	FilterAll      ConversationFilter = "all"
	FilterUnread   ConversationFilter = "unread"
	FilterArchived ConversationFilter = "archived"
)

func (f ConversationFilter) Valid() bool {
	return f == FilterAll || f == FilterUnread || f == FilterArchived
}

type Participant struct {
	ID     string `json:"id" firestore:"id"`
	Name   string `json:"name" firestore:"name"`
	Avatar string `json:"avatar,omitempty" firestore:"avatar,omitempty"`
}

type ProductRef struct {
	ProductID   string `json:"product_id" firestore:"productId"`
	ProductName string `json:"product_name" firestore:"productName"`
}

type UnreadBy struct {
	Buyer    uint32 `json:"buyer" firestore:"buyer"`
	Producer uint32 `json:"producer" firestore:"producer"`
}

func (u UnreadBy) For(role Role) uint32 {
	if role == RoleBuyer {
		return u.Buyer
	}
	return u.Producer
}

func (u *UnreadBy) Set(role Role, n uint32) {
	if role == RoleBuyer {
		u.Buyer = n
		return
	}
	u.Producer = n
}

type Typing struct {
	Buyer    bool `json:"buyer" firestore:"buyer"`
	Producer bool `json:"producer" firestore:"producer"`
}

func (t Typing) For(role Role) bool {
	if role == RoleBuyer {
		return t.Buyer
	}
	return t.Producer
}

func (t *Typing) Set(role Role, typing bool) {
	if role == RoleBuyer {
		t.Buyer = typing
		return
	}
	t.Producer = typing
}

// TypingAt records when each role last refreshed its typing flag.
type TypingAt struct {
	Buyer    time.Time `json:"buyer" firestore:"buyer"`
	Producer time.Time `json:"producer" firestore:"producer"`
}

func (t TypingAt) For(role Role) time.Time {
	if role == RoleBuyer {
		return t.Buyer
	}
	return t.Producer
}

func (t *TypingAt) Set(role Role, at time.Time) {
	if role == RoleBuyer {
		t.Buyer = at
		return
	}
	t.Producer = at
}

type Conversation struct {
	ID              string             `json:"id" firestore:"id"`
	Buyer           Participant        `json:"buyer" firestore:"buyer"`
	Producer        Participant        `json:"producer" firestore:"producer"`
	Participants    []string           `json:"participants" firestore:"participants"`
	PairKey         string             `json:"-" firestore:"pairKey"`
	Product         *ProductRef        `json:"product,omitempty" firestore:"product,omitempty"`
	LastMessage     string             `json:"last_message" firestore:"lastMessage"`
	LastMessageTime time.Time          `json:"last_message_time" firestore:"lastMessageTime"`
	UnreadBy        UnreadBy           `json:"unread_by" firestore:"unreadBy"`
	Status          ConversationStatus `json:"status" firestore:"status"`
	Typing          Typing             `json:"typing" firestore:"typing"`
	TypingAt        TypingAt           `json:"-" firestore:"typingAt"`
	CreatedAt       time.Time          `json:"created_at" firestore:"createdAt,serverTimestamp"`
	UpdatedAt       time.Time          `json:"updated_at" firestore:"updatedAt,serverTimestamp"`
}

func NewConversation(buyer, producer Participant, product *ProductRef) *Conversation {
	return &Conversation{
		Buyer:        buyer,
		Producer:     producer,
		Participants: []string{buyer.ID, producer.ID},
		PairKey:      PairKey(buyer.ID, producer.ID),
		Product:      product,
		Status:       StatusActive,
	}
}

// UnreadCount is always derived from the per-role counters.
func (c *Conversation) UnreadCount() uint32 {
	return c.UnreadBy.Buyer + c.UnreadBy.Producer
}

func (c *Conversation) Participant(role Role) Participant {
	if role == RoleBuyer {
		return c.Buyer
	}
	return c.Producer
}

// Counterpart returns the participant on the other side of role.
func (c *Conversation) Counterpart(role Role) Participant {
	return c.Participant(role.Other())
}

// RoleOf returns the role userID plays in the conversation.
func (c *Conversation) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.Buyer.ID:
		return RoleBuyer, true
	case c.Producer.ID:
		return RoleProducer, true
	}
	return "", false
}

// HasRoles reports whether buyerID is the buyer and producerID the producer.
func (c *Conversation) HasRoles(buyerID, producerID string) bool {
	return c.Buyer.ID == buyerID && c.Producer.ID == producerID
}

func (c *Conversation) Closed() bool {
	return c.Status.Terminal()
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.Product != nil {
		product := *c.Product
		out.Product = &product
	}
	return &out
}

// Matches reports whether the conversation belongs in the given list for role.
func (c *Conversation) Matches(filter ConversationFilter, role Role) bool {
	switch filter {
	case FilterUnread:
		return c.UnreadBy.For(role) > 0 && c.Status != StatusArchived && !c.Closed()
	case FilterArchived:
		return c.Status == StatusArchived
	default:
		return c.Status == StatusActive
	}
}

// Search matches query against the other party's name, the last message and
// the product name, case-insensitively.
func (c *Conversation) Search(query string, role Role) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	fields := []string{c.Counterpart(role).Name, c.LastMessage}
	if c.Product != nil {
		fields = append(fields, c.Product.ProductName)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

// PairKey identifies the unordered pair of users a conversation connects.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// Preview shortens a message for the conversation list.
func Preview(content string) string {
	if len([]rune(content)) <= previewLength {
		return content
	}
	return truncate.Truncate(content, previewLength, "", truncate.PositionEnd) + "..."
}

var avatarGlyphs = []string{"👨🏾", "👩🏾", "👨🏾‍🌾", "👩🏾‍🌾", "🧑🏾", "🧑🏾‍🌾"}

// AvatarFor picks a stable glyph for a participant without an avatar.
func AvatarFor(name string) string {
	if name == "" {
		return "👤"
	}
	sum := 0
	for _, r := range name {
		sum += int(r)
	}
	return avatarGlyphs[sum%len(avatarGlyphs)]
}

// SortByRecent orders conversations by last activity, newest first.
func SortByRecent(list []*Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
