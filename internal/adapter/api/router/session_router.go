package router

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/handler"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
)

func SetupSessionRouter(e *echo.Echo, sessionHandler *handler.SessionHandler, authMiddleware *middleware.AuthMiddleware) {
	sessionGroup := e.Group("/v1/sessions")
	sessionGroup.Use(authMiddleware.Authenticate)

	sessionGroup.POST("", sessionHandler.StartSession)     // POST /v1/sessions - Start a session for one tab
	sessionGroup.DELETE("/:id", sessionHandler.EndSession) // DELETE /v1/sessions/:id - End it
}
