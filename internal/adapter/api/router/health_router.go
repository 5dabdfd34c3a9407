package router

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/handler"
)

func SetupHealthRouter(e *echo.Echo, healthHandler *handler.HealthHandler, environment string) {
	e.GET("/health", healthHandler.CheckHealth)
	e.GET("/firebase-health", healthHandler.CheckFirebaseHealth)

	if environment == "development" {
		e.GET("/v1/debug/logs", healthHandler.RecentLogs)
	}
}
