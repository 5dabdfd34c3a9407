package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

const (
	HeaderSessionID = "X-Session-ID"
	ContextEngine   = "engine"
)

// RequireSession resolves the caller's session (header X-Session-ID or the
// session_id query parameter) to its engine. Must run after Authenticate.
func RequireSession(sessions *usecase.SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sessionID := c.Request().Header.Get(HeaderSessionID)
			if sessionID == "" {
				sessionID = c.QueryParam("session_id")
			}
			if sessionID == "" {
				return response.Error(c, errors.BadRequest("X-Session-ID header is required", nil))
			}

			session, err := sessions.Get(sessionID, UserID(c))
			if err != nil {
				return response.Error(c, err)
			}

			c.Set(ContextEngine, session.Engine)
			c.Set(HeaderSessionID, session.ID)
			return next(c)
		}
	}
}

func Engine(c echo.Context) *usecase.SyncEngine {
	engine, _ := c.Get(ContextEngine).(*usecase.SyncEngine)
	return engine
}

func SessionID(c echo.Context) string {
	id, _ := c.Get(HeaderSessionID).(string)
	return id
}
