package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
)

func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return errors.BadRequest("Invalid request body", err)
	}
	return c.Validate(req)
}

func engineOf(c echo.Context) (*usecase.SyncEngine, error) {
	engine := middleware.Engine(c)
	if engine == nil {
		return nil, errors.BadRequest("No active session", nil)
	}
	return engine, nil
}
