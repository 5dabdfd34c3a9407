package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/03AlAmine/jokko-agro/internal/infrastructure/firebase"
	"github.com/03AlAmine/jokko-agro/pkg/errors"
	"github.com/03AlAmine/jokko-agro/pkg/response"
)

// Context keys set by Authenticate.
const (
	ContextUID     = "uid"
	ContextName    = "name"
	ContextPicture = "picture"
)

// Development-only identity headers, honoured when no verifier is set.
const (
	HeaderDevUserID   = "X-User-ID"
	HeaderDevUserName = "X-User-Name"
)

type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*firebase.Identity, error)
}

type AuthMiddleware struct {
	verifier    TokenVerifier
	devIdentity bool
}

// NewAuthMiddleware verifies Firebase ID tokens. With devIdentity set the
// X-User-ID header (or user_id query parameter) is trusted when the request
// carries no token.
func NewAuthMiddleware(verifier TokenVerifier, devIdentity bool) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:    verifier,
		devIdentity: devIdentity,
	}
}

func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := bearerToken(c)
		if err != nil {
			return response.Error(c, err)
		}

		if token == "" {
			if m.devIdentity {
				if uid := devUserID(c); uid != "" {
					c.Set(ContextUID, uid)
					c.Set(ContextName, c.Request().Header.Get(HeaderDevUserName))
					return next(c)
				}
			}
			return response.Error(c, errors.Unauthorized("Authorization header is required", nil))
		}

		if m.verifier == nil {
			return response.Error(c, errors.Unauthorized("Token verification is not configured", nil))
		}

		identity, err := m.verifier.VerifyToken(c.Request().Context(), token)
		if err != nil {
			return response.Error(c, errors.Unauthorized("Invalid or expired token", err))
		}

		c.Set(ContextUID, identity.UID)
		c.Set(ContextName, identity.Name)
		c.Set(ContextPicture, identity.Picture)
		return next(c)
	}
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter browsers use for websocket upgrades.
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader == "" {
		return c.QueryParam("token"), nil
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.Unauthorized("Invalid authorization format", nil)
	}
	return parts[1], nil
}

func devUserID(c echo.Context) string {
	if uid := c.Request().Header.Get(HeaderDevUserID); uid != "" {
		return uid
	}
	return c.QueryParam("user_id")
}

func UserID(c echo.Context) string {
	uid, _ := c.Get(ContextUID).(string)
	return uid
}

func UserName(c echo.Context) string {
	name, _ := c.Get(ContextName).(string)
	return name
}

func UserPicture(c echo.Context) string {
	picture, _ := c.Get(ContextPicture).(string)
	return picture
}
