package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

// Stats is what the health endpoint reports about live sessions.
type Stats interface {
	Len() int
}

type AuthChecker interface {
	TestConnection(ctx context.Context) error
}

type HealthHandler struct {
	auth        AuthChecker
	sessions    Stats
	connections Stats
	started     time.Time
}

func NewHealthHandler(auth AuthChecker, sessions, connections Stats) *HealthHandler {
	return &HealthHandler{
		auth:        auth,
		sessions:    sessions,
		connections: connections,
		started:     time.Now(),
	}
}

func (h *HealthHandler) CheckHealth(c echo.Context) error {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.sessions != nil {
		body["sessions"] = h.sessions.Len()
	}
	if h.connections != nil {
		body["connections"] = h.connections.Len()
	}
	return c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) CheckFirebaseHealth(c echo.Context) error {
	if h.auth == nil {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "Firebase Auth not configured",
		})
	}

	if err := h.auth.TestConnection(c.Request().Context()); err != nil {
		logger.Error("Firebase health check failed: %v", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "Firebase Auth connection failed",
			"error":  err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "Firebase Auth connected successfully",
	})
}

// RecentLogs serves the in-memory log tail. Only routed in development.
func (h *HealthHandler) RecentLogs(c echo.Context) error {
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, logger.Recent())
}
