package router

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/handler"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/ratelimit"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
)

type Handlers struct {
	Health       *handler.HealthHandler
	Session      *handler.SessionHandler
	Conversation *handler.ConversationHandler
	Message      *handler.MessageHandler
	Attachment   *handler.AttachmentHandler
	WebSocket    *handler.WebSocketHandler
}

func Setup(
	e *echo.Echo,
	h *Handlers,
	authMiddleware *middleware.AuthMiddleware,
	sessions *usecase.SessionManager,
	limiter *ratelimit.RateLimiter,
	environment string,
) {
	SetupHealthRouter(e, h.Health, environment)
	SetupSessionRouter(e, h.Session, authMiddleware)
	SetupConversationRouter(e, h, authMiddleware, sessions, limiter)
	SetupWebSocketRouter(e, h.WebSocket, authMiddleware, sessions)
}
