package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

type MessageHandler struct{}

func NewMessageHandler() *MessageHandler {
	return &MessageHandler{}
}

type sendMessageRequest struct {
	Content       string             `json:"content" validate:"max=4000"`
	Type          entity.MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	AttachmentURL string             `json:"attachment_url" validate:"omitempty,url"`
}

// ListMessages pages backwards. Without before it continues from the oldest
// message this session has loaded.
func (h *MessageHandler) ListMessages(c echo.Context) error {
	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	var (
		page    []*entity.Message
		hasMore bool
	)
	if before := c.QueryParam("before"); before != "" {
		page, hasMore, err = engine.LoadMessagesBefore(ctx, id, before)
	} else {
		page, hasMore, err = engine.LoadOlderMessages(ctx, id)
	}
	if err != nil {
		return response.Error(c, err)
	}

	if page == nil {
		page = []*entity.Message{}
	}
	next := ""
	if hasMore && len(page) > 0 {
		next = page[0].ID
	}
	return response.Page(c, page, hasMore, next)
}

// SendMessage returns the stored message. A failed send answers with the
// error; the failed copy stays in the log under its client token for retry.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	msg, err := engine.SendMessage(c.Request().Context(), usecase.SendMessageInput{
		ConversationID: c.Param("id"),
		Content:        req.Content,
		Type:           req.Type,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, msg)
}

func (h *MessageHandler) RetryMessage(c echo.Context) error {
	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	msg, err := engine.RetryMessage(c.Request().Context(), c.Param("id"), c.Param("token"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, msg)
}

func (h *MessageHandler) DiscardMessage(c echo.Context) error {
	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	if c.Param("token") == "" {
		return response.Error(c, errors.BadRequest("Missing client token", nil))
	}
	if err := engine.DiscardMessage(c.Param("id"), c.Param("token")); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{"discarded": c.Param("token")})
}
