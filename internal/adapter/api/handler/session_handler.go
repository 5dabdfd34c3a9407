package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/domain/entity"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

type SessionHandler struct {
	sessions *usecase.SessionManager
}

func NewSessionHandler(sessions *usecase.SessionManager) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
	}
}

type startSessionRequest struct {
	Role   entity.Role `json:"role" validate:"required,oneof=buyer producer"`
	Name   string      `json:"name" validate:"max=80"`
	Avatar string      `json:"avatar" validate:"omitempty,url"`
}

// StartSession opens a sync session for one tab of the caller.
func (h *SessionHandler) StartSession(c echo.Context) error {
	var req startSessionRequest
	if err := bind(c, &req); err != nil {
		return response.Error(c, err)
	}

	identity := usecase.Identity{
		UserID: middleware.UserID(c),
		Name:   req.Name,
		Avatar: req.Avatar,
		Role:   req.Role,
	}
	if identity.Name == "" {
		identity.Name = middleware.UserName(c)
	}
	if identity.Avatar == "" {
		identity.Avatar = middleware.UserPicture(c)
	}

	session, err := h.sessions.StartSession(c.Request().Context(), identity)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, session)
}

func (h *SessionHandler) EndSession(c echo.Context) error {
	if err := h.sessions.EndSession(c.Param("id"), middleware.UserID(c)); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]interface{}{
		"session_id": c.Param("id"),
		"ended":      true,
	})
}
