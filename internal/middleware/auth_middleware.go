package middleware

import (
	"net/http"

	"mailsync/internal/handler"

	"github.com/labstack/echo/v4"
)

// AuthMiddleware rejects requests that do not carry an authenticated
// session.
func AuthMiddleware(authHandler *handler.AuthHandler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, err := authHandler.GetCurrentSession(c)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
			}

			return next(c)
		}
	}
}
