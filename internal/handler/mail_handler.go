package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"mailsync/internal/mailbox"
	"mailsync/internal/model"
	"mailsync/internal/sse"
	"mailsync/internal/token"
)

type MailHandler struct {
	engine      *mailbox.Engine
	authHandler *AuthHandler
	sseManager  *sse.Manager
	logger      echo.Logger
}

func NewMailHandler(engine *mailbox.Engine, authHandler *AuthHandler, sseManager *sse.Manager, logger echo.Logger) *MailHandler {
	return &MailHandler{
		engine:      engine,
		authHandler: authHandler,
		sseManager:  sseManager,
		logger:      logger,
	}
}

// GetMessages serves the cached snapshot without blocking. A stale snapshot
// is served as-is while a background refresh runs; a missing one is
// reported as missing so the caller can trigger a sync, never papered over
// with empty data.
func (h *MailHandler) GetMessages(c echo.Context) error {
	sess, err := h.authHandler.GetCurrentSession(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}

	cache, state := h.engine.ReadCache(sess.ID)
	if state == mailbox.CacheMissing {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"state":    "missing",
			"messages": []*model.Message{},
		})
	}

	stateLabel := "fresh"
	if state == mailbox.CacheStale {
		stateLabel = "stale"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"state":      stateLabel,
		"fetched_at": cache.FetchedAt,
		"messages":   cache.Messages,
	})
}

// SyncMessages triggers a synchronous mailbox fetch and returns the fresh
// snapshot. Filter and size come from query parameters.
func (h *MailHandler) SyncMessages(c echo.Context) error {
	sess, err := h.authHandler.GetCurrentSession(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}

	opts := syncOptionsFromQuery(c)

	h.logger.Info("Starting mailbox sync for session:", sess.ID)
	cache, err := h.engine.Sync(c.Request().Context(), sess.ID, opts)
	if err != nil {
		h.logger.Error("Failed to sync mailbox for session:", sess.ID, err)
		if errors.Is(err, token.ErrSessionExpired) || errors.Is(err, token.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Session expired, please reconnect",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "Failed to sync mailbox",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":    fmt.Sprintf("Synced %d messages", len(cache.Messages)),
		"fetched_at": cache.FetchedAt,
		"messages":   cache.Messages,
	})
}

// UpdateMessageFlags applies an optimistic flag change to the cached
// message and pushes the label change to the provider in the background.
func (h *MailHandler) UpdateMessageFlags(c echo.Context) error {
	sess, err := h.authHandler.GetCurrentSession(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}

	messageID := c.Param("id")
	var patch mailbox.FlagPatch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
	}

	if err := h.engine.ApplyLocalFlagChange(c.Request().Context(), sess.ID, messageID, patch); err != nil {
		if errors.Is(err, mailbox.ErrNoCache) || errors.Is(err, mailbox.ErrMessageNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "Message not found",
			})
		}
		h.logger.Error("Failed to update flags for message:", messageID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to update message",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": "Flags updated",
	})
}

// SendMessage submits a composed message through the provider. The sent
// item appears in the cache after the background sync that follows a
// successful send.
func (h *MailHandler) SendMessage(c echo.Context) error {
	sess, err := h.authHandler.GetCurrentSession(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}

	var compose model.ComposeData
	if err := c.Bind(&compose); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
	}
	if len(compose.To) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "At least one recipient is required",
		})
	}

	messageID, err := h.engine.Send(c.Request().Context(), sess.ID, compose)
	if err != nil {
		h.logger.Error("Failed to send message for session:", sess.ID, err)
		if errors.Is(err, token.ErrSessionExpired) || errors.Is(err, token.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Session expired, please reconnect",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "Failed to send message",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"id": messageID,
	})
}

// SSEMailboxUpdates provides Server-Sent Events for sync and message
// updates on the current session.
func (h *MailHandler) SSEMailboxUpdates(c echo.Context) error {
	sess, err := h.authHandler.GetCurrentSession(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unauthorized",
		})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")

	clientChannel := h.sseManager.AddClient(sess.ID)
	defer func() {
		h.sseManager.RemoveClient(sess.ID, clientChannel)
	}()

	initEvent := map[string]interface{}{
		"type": "connection",
		"data": map[string]string{
			"message":       "Connected to mailbox updates",
			"account_email": sess.AccountEmail,
		},
		"time": time.Now().Unix(),
	}
	initJSON, _ := json.Marshal(initEvent)
	fmt.Fprintf(c.Response(), "data: %s\n\n", initJSON)
	c.Response().Flush()

	for {
		select {
		case eventData, ok := <-clientChannel:
			if !ok {
				return nil
			}
			fmt.Fprintf(c.Response(), "data: %s\n\n", eventData)
			c.Response().Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func syncOptionsFromQuery(c echo.Context) mailbox.SyncOptions {
	opts := mailbox.SyncOptions{}
	if maxResults := c.QueryParam("max_results"); maxResults != "" {
		if n, err := strconv.ParseInt(maxResults, 10, 64); err == nil && n > 0 {
			opts.MaxResults = n
		}
	}
	opts.Filter = mailbox.Filter{
		Unread:        c.QueryParam("unread") == "true",
		Starred:       c.QueryParam("starred") == "true",
		HasAttachment: c.QueryParam("has_attachment") == "true",
		From:          c.QueryParam("from"),
		To:            c.QueryParam("to"),
	}
	return opts
}
