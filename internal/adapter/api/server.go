package api

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api/handler"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/router"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/ratelimit"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/websocket"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
)

// ServerOptions wires the HTTP surface. Leave an interface field nil when the
// backing service is not configured.
type ServerOptions struct {
	Environment    string
	AllowedOrigins []string
	Sessions       *usecase.SessionManager
	WebSocket      *websocket.Manager
	Limiter        *ratelimit.RateLimiter
	Verifier       middleware.TokenVerifier
	AuthChecker    handler.AuthChecker
	Uploader       handler.AttachmentUploader
	RequestLogging bool
}

func NewServer(opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	if opts.RequestLogging {
		e.Use(echomiddleware.Logger())
	}
	e.Use(echomiddleware.Recover())

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			middleware.HeaderSessionID,
			middleware.HeaderDevUserID,
			middleware.HeaderDevUserName,
		},
	}))

	e.Validator = NewValidator()

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewRateLimiter(nil)
	}

	authMiddleware := middleware.NewAuthMiddleware(opts.Verifier, opts.Environment == "development")

	var connections handler.Stats
	if opts.WebSocket != nil {
		connections = opts.WebSocket
	}

	handlers := &router.Handlers{
		Health:       handler.NewHealthHandler(opts.AuthChecker, opts.Sessions, connections),
		Session:      handler.NewSessionHandler(opts.Sessions),
		Conversation: handler.NewConversationHandler(),
		Message:      handler.NewMessageHandler(),
		Attachment:   handler.NewAttachmentHandler(opts.Uploader),
		WebSocket:    handler.NewWebSocketHandler(opts.WebSocket, opts.AllowedOrigins),
	}

	router.Setup(e, handlers, authMiddleware, opts.Sessions, limiter, opts.Environment)
	return e
}
