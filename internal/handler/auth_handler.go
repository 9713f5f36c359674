package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"

	"mailsync/internal/auth"
	"mailsync/internal/mailbox"
	"mailsync/internal/model"
	"mailsync/internal/token"
)

type AuthHandler struct {
	flow   *auth.Controller
	tokens *token.Store
	engine *mailbox.Engine
	store  *sessions.CookieStore
	logger echo.Logger
}

func NewAuthHandler(flow *auth.Controller, tokens *token.Store, engine *mailbox.Engine, store *sessions.CookieStore, logger echo.Logger) *AuthHandler {
	return &AuthHandler{
		flow:   flow,
		tokens: tokens,
		engine: engine,
		store:  store,
		logger: logger,
	}
}

// BeginAuthHandler starts the OAuth flow and redirects to the provider's
// consent screen. An existing session cookie keeps its id so the callback
// lands on the same session; otherwise a fresh id is minted and set.
func (h *AuthHandler) BeginAuthHandler(c echo.Context) error {
	provider := c.Param("provider")
	if provider != "google" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid provider",
		})
	}

	sessionID := h.sessionID(c)
	var authorizeURL string
	var err error
	if sessionID != "" {
		authorizeURL, err = h.flow.BeginAuthorizeSession(sessionID)
	} else {
		authorizeURL, sessionID, err = h.flow.BeginAuthorize()
	}
	if err != nil {
		h.logger.Error("Failed to begin authorize:", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to start authorization",
		})
	}

	if err := h.saveSessionID(c, sessionID); err != nil {
		h.logger.Error("Failed to save session cookie:", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to save session",
		})
	}

	return c.Redirect(http.StatusTemporaryRedirect, authorizeURL)
}

// CallbackHandler handles the OAuth callback: CSRF-state validation, code
// exchange, identity fetch, then persists the token record.
func (h *AuthHandler) CallbackHandler(c echo.Context) error {
	sessionID := h.sessionID(c)
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "No session",
		})
	}

	if provErr := c.QueryParam("error"); provErr != "" {
		h.flow.Cancel(sessionID)
		h.logger.Warn("Provider returned error on callback:", provErr)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("Authorization denied: %s", provErr),
		})
	}

	record, accountEmail, err := h.flow.CompleteAuthorize(
		c.Request().Context(),
		sessionID,
		c.QueryParam("state"),
		c.QueryParam("code"),
	)
	if err != nil {
		h.logger.Error("Failed to complete authorize:", err)
		if errors.Is(err, auth.ErrInvalidState) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "Invalid authorization state",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": err.Error(),
		})
	}

	if err := h.tokens.Put(c.Request().Context(), sessionID, accountEmail, record); err != nil {
		h.logger.Error("Failed to persist token record:", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to persist session",
		})
	}

	return c.Redirect(http.StatusTemporaryRedirect, "/")
}

// StatusHandler reports the connection state for the current session:
// authenticated, pending, or unauthenticated. Never fabricates data for
// the unauthenticated case.
func (h *AuthHandler) StatusHandler(c echo.Context) error {
	sessionID := h.sessionID(c)
	if sessionID == "" {
		return c.JSON(http.StatusOK, map[string]string{"state": "unauthenticated"})
	}

	if sess, err := h.tokens.Get(c.Request().Context(), sessionID); err == nil && sess.Authenticated() {
		return c.JSON(http.StatusOK, map[string]string{
			"state":         "authenticated",
			"account_email": sess.AccountEmail,
		})
	}
	if h.flow.HasPending(sessionID) {
		return c.JSON(http.StatusOK, map[string]string{"state": "pending"})
	}
	return c.JSON(http.StatusOK, map[string]string{"state": "unauthenticated"})
}

// LogoutHandler disconnects the account: cancels any pending authorize
// attempt, deletes the token record, and drops the cached mailbox.
func (h *AuthHandler) LogoutHandler(c echo.Context) error {
	sessionID := h.sessionID(c)
	if sessionID != "" {
		h.flow.Cancel(sessionID)
		if err := h.tokens.Delete(c.Request().Context(), sessionID); err != nil {
			h.logger.Error("Failed to delete session:", err)
		}
		h.engine.InvalidateCache(sessionID)
	}

	session, _ := h.store.Get(c.Request(), sessionCookieName)
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response()); err != nil {
		h.logger.Error("Failed to clear session cookie:", err)
	}

	return c.Redirect(http.StatusTemporaryRedirect, "/")
}

// GetCurrentSession returns the authenticated session for the request, or
// an error when the cookie is absent or the token record is gone.
func (h *AuthHandler) GetCurrentSession(c echo.Context) (*model.Session, error) {
	sessionID := h.sessionID(c)
	if sessionID == "" {
		return nil, fmt.Errorf("no session cookie")
	}

	sess, err := h.tokens.Get(c.Request().Context(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("session not authenticated: %w", err)
	}
	if !sess.Authenticated() {
		return nil, fmt.Errorf("session %s has no confirmed account", sessionID)
	}
	return sess, nil
}

func (h *AuthHandler) sessionID(c echo.Context) string {
	session, err := h.store.Get(c.Request(), sessionCookieName)
	if err != nil {
		return ""
	}
	id, _ := session.Values[sessionIDKey].(string)
	return id
}

func (h *AuthHandler) saveSessionID(c echo.Context, sessionID string) error {
	session, _ := h.store.Get(c.Request(), sessionCookieName)
	session.Values[sessionIDKey] = sessionID
	return session.Save(c.Request(), c.Response())
}
