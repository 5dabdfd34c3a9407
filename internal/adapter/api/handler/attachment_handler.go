package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/infrastructure/storage"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

type AttachmentUploader interface {
	UploadAttachment(ctx context.Context, conversationID string, file io.Reader, contentType string, size int64) (*storage.Attachment, error)
}

type AttachmentHandler struct {
	uploader AttachmentUploader
}

func NewAttachmentHandler(uploader AttachmentUploader) *AttachmentHandler {
	return &AttachmentHandler{
		uploader: uploader,
	}
}

// UploadAttachment takes a multipart "file" (and optional "caption") and
// sends it as an image or file message.
func (h *AttachmentHandler) UploadAttachment(c echo.Context) error {
	if h.uploader == nil {
		return response.Error(c, errors.New("STORAGE_UNAVAILABLE", "Attachment storage is not configured", http.StatusServiceUnavailable, nil))
	}

	engine, err := engineOf(c)
	if err != nil {
		return response.Error(c, err)
	}

	ctx := c.Request().Context()
	conv, err := engine.GetConversation(ctx, c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}
	if conv.Closed() {
		return response.Error(c, errors.ConversationClosed(conv.ID))
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.Error(c, errors.BadRequest("Missing or invalid file", err))
	}

	contentType := file.Header.Get(echo.HeaderContentType)
	if err := storage.ValidateAttachment(contentType, file.Size); err != nil {
		logger.Warn("UploadAttachment: rejected %s (%d bytes) for %s", contentType, file.Size, conv.ID)
		return response.Error(c, err)
	}

	src, err := file.Open()
	if err != nil {
		return response.Error(c, errors.BadRequest("Failed to read file", err))
	}
	defer src.Close()

	attachment, err := h.uploader.UploadAttachment(ctx, conv.ID, src, contentType, file.Size)
	if err != nil {
		return response.Error(c, err)
	}

	msg, err := engine.SendMessage(ctx, usecase.SendMessageInput{
		ConversationID: conv.ID,
		Content:        c.FormValue("caption"),
		Type:           attachment.Type,
		AttachmentURL:  attachment.URL,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, msg)
}
