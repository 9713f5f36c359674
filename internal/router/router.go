package router

import (
	"net/http"

	"mailsync/internal/handler"
	"mailsync/internal/middleware"

	"github.com/labstack/echo/v4"
)

func SetupRoutes(
	e *echo.Echo,
	authHandler *handler.AuthHandler,
	mailHandler *handler.MailHandler,
) {
	// Public routes
	e.GET("/auth/:provider", authHandler.BeginAuthHandler)
	e.GET("/auth/:provider/callback", authHandler.CallbackHandler)
	e.GET("/auth/status", authHandler.StatusHandler)
	e.GET("/auth/logout", authHandler.LogoutHandler)

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// Protected API routes
	protected := e.Group("/api")
	protected.Use(middleware.AuthMiddleware(authHandler))

	protected.GET("/messages", mailHandler.GetMessages)
	protected.POST("/messages/sync", mailHandler.SyncMessages)
	protected.PATCH("/messages/:id/flags", mailHandler.UpdateMessageFlags)
	protected.POST("/messages/send", mailHandler.SendMessage)

	// Real-time sync and message updates via Server-Sent Events (SSE)
	protected.GET("/events", mailHandler.SSEMailboxUpdates)
}
