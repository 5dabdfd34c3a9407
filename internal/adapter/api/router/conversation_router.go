package router

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/ratelimit"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
)

// SetupConversationRouter sets up conversation, message and block routes.
// Every route acts on the caller's session given by X-Session-ID.
func SetupConversationRouter(e *echo.Echo, h *Handlers, authMiddleware *middleware.AuthMiddleware, sessions *usecase.SessionManager, limiter *ratelimit.RateLimiter) {
	conversationGroup := e.Group("/v1/conversations")
	conversationGroup.Use(authMiddleware.Authenticate)
	conversationGroup.Use(middleware.RequireSession(sessions))

	createLimit := middleware.RateLimit(limiter, ratelimit.ActionCreateConversation)
	sendLimit := middleware.RateLimit(limiter, ratelimit.ActionSendMessage)
	uploadLimit := middleware.RateLimit(limiter, ratelimit.ActionUploadAttachment)

	// Conversations
	conversationGroup.GET("", h.Conversation.ListConversations)                // GET /v1/conversations?filter=&q=
	conversationGroup.POST("", h.Conversation.CreateConversation, createLimit) // POST /v1/conversations - Create with first message
	conversationGroup.DELETE("/open", h.Conversation.CloseConversation)        // DELETE /v1/conversations/open - Leave the open conversation
	conversationGroup.GET("/:id", h.Conversation.OpenConversation)             // GET /v1/conversations/:id - Open and load newest page
	conversationGroup.PUT("/:id/status", h.Conversation.SetStatus)             // PUT /v1/conversations/:id/status

	// Messages
	conversationGroup.GET("/:id/messages", h.Message.ListMessages)                          // GET /v1/conversations/:id/messages?before=
	conversationGroup.POST("/:id/messages", h.Message.SendMessage, sendLimit)               // POST /v1/conversations/:id/messages
	conversationGroup.POST("/:id/messages/:token/retry", h.Message.RetryMessage, sendLimit) // POST /v1/conversations/:id/messages/:token/retry
	conversationGroup.DELETE("/:id/messages/:token", h.Message.DiscardMessage)              // DELETE /v1/conversations/:id/messages/:token
	conversationGroup.POST("/:id/attachments", h.Attachment.UploadAttachment, uploadLimit)  // POST /v1/conversations/:id/attachments

	blockGroup := e.Group("/v1/blocks")
	blockGroup.Use(authMiddleware.Authenticate)
	blockGroup.Use(middleware.RequireSession(sessions))

	blockGroup.POST("", h.Conversation.BlockUser) // POST /v1/blocks - Block the other user everywhere
}
