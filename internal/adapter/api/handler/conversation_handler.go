package handler

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

type ConversationHandler struct{}

func NewConversationHandler() *ConversationHandler {
	return &ConversationHandler{}
}

type createConversationRequest struct {
	CounterpartID     string `json:"counterpart_id" validate:"required"`
	CounterpartName   string `json:"counterpart_name" validate:"max=80"`
	CounterpartAvatar string `json:"counterpart_avatar" validate:"omitempty,url"`
	ProductID         string `json:"product_id"`
	ProductName       string `json:"product_name" validate:"required_with=ProductID"`
	Message           string `json:"message" validate:"required,max=4000"`
}

type setStatusRequest struct {
	Status entity.ConversationStatus `json:"status" validate:"required,oneof=active archived blocked deleted"`
}

type blockUserRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type conversationList struct {
	Conversations []*entity.Conversation `json:"conversations"`
	TotalUnread   uint32                 `json:"total_unread"`
}

// ListConversations returns the caller's conversations, newest first.
// Query: filter=all|unread|archived, q=<search>.
func (h *ConversationHandler) ListConversations(c echo.Context) error {
	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	filter := entity.FilterAll
	if f := c.QueryParam("filter"); f != "" {
		filter = entity.ConversationFilter(f)
		if !filter.Valid() {
			return response.Error(c, errors.BadRequest("filter must be one of: all unread archived", nil))
		}
	}

	var list []*entity.Conversation
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		list = engine.SearchConversations(q, filter)
	} else {
		list = engine.ListConversations(filter)
	}
	if list == nil {
		list = []*entity.Conversation{}
	}

	return response.Success(c, conversationList{
		Conversations: list,
		TotalUnread:   engine.TotalUnread(),
	})
}

func (h *ConversationHandler) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	in := usecase.CreateConversationInput{
		Counterpart: entity.Participant{
			ID:     req.CounterpartID,
			Name:   req.CounterpartName,
			Avatar: req.CounterpartAvatar,
		},
		Message: req.Message,
	}
	if req.ProductID != "" {
		in.Product = &entity.ProductRef{ProductID: req.ProductID, ProductName: req.ProductName}
	}

	id, err := engine.CreateConversation(c.Request().Context(), in)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, map[string]string{"conversation_id": id})
}

// OpenConversation selects the conversation for this session and returns its
// newest page. Live updates follow over the websocket.
func (h *ConversationHandler) OpenConversation(c echo.Context) error {
	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	opened, err := engine.OpenConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, opened)
}

func (h *ConversationHandler) CloseConversation(c echo.Context) error {
	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	engine.CloseConversation()
	return response.Success(c, map[string]bool{"closed": true})
}

func (h *ConversationHandler) SetStatus(c echo.Context) error {
	var req setStatusRequest
	if err := bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	if err := engine.SetConversationStatus(c.Request().Context(), c.Param("id"), req.Status); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{
		"conversation_id": c.Param("id"),
		"status":          string(req.Status),
	})
}

func (h *ConversationHandler) BlockUser(c echo.Context) error {
	var req blockUserRequest
	if err := bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	if err := engine.BlockUser(c.Request().Context(), req.UserID); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{"blocked_user_id": req.UserID})
}
