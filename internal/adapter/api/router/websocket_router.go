package router

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/handler"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
)

// SetupWebSocketRouter sets up WebSocket routes. Browsers pass token and
// session_id as query parameters.
func SetupWebSocketRouter(e *echo.Echo, wsHandler *handler.WebSocketHandler, authMiddleware *middleware.AuthMiddleware, sessions *usecase.SessionManager) {
	e.GET("/v1/ws", wsHandler.HandleWebSocket, authMiddleware.Authenticate, middleware.RequireSession(sessions))
}
