package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/googleapi"

	"mailsync/internal/logger"
	"mailsync/internal/model"
	"mailsync/internal/token"
)

// CacheState qualifies a ReadCache result.
type CacheState int

const (
	CacheMissing CacheState = iota
	CacheFresh
	CacheStale
)

// Notifier pushes engine events to connected listeners. The SSE manager
// implements it; a nil notifier disables push.
type Notifier interface {
	BroadcastToSession(sessionID, eventType string, data interface{})
}

// Options tunes the engine. Zero values fall back to the defaults below.
type Options struct {
	StaleAfter     time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	MaxResults     int64
	SyncTimeout    time.Duration
}

// Engine fetches and normalizes mailbox snapshots per session. Snapshots
// are replaced wholesale on sync, never merged, so a cache can never mix
// two differently-filtered listings. At most one sync runs per session;
// concurrent callers join the in-flight one.
type Engine struct {
	tokens   *token.Store
	client   MailClient
	notifier Notifier
	logger   *logger.Logger

	staleAfter     time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	maxResults     int64
	syncTimeout    time.Duration

	mu       sync.Mutex
	caches   map[string]*cacheEntry
	inflight map[string]*syncCall
}

type cacheEntry struct {
	cache *model.MailCache
	opts  SyncOptions
}

type syncCall struct {
	done  chan struct{}
	cache *model.MailCache
	err   error
}

func NewEngine(tokens *token.Store, client MailClient, notifier Notifier, log *logger.Logger, opts Options) *Engine {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 25
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2 * time.Minute
	}
	return &Engine{
		tokens:         tokens,
		client:         client,
		notifier:       notifier,
		logger:         log,
		staleAfter:     opts.StaleAfter,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		maxResults:     opts.MaxResults,
		syncTimeout:    opts.SyncTimeout,
		caches:         make(map[string]*cacheEntry),
		inflight:       make(map[string]*syncCall),
	}
}

// Sync fetches a fresh snapshot and replaces the session's cache with it.
// A sync arriving while one is in flight for the same session awaits that
// one instead of issuing a duplicate fetch.
func (e *Engine) Sync(ctx context.Context, sessionID string, opts SyncOptions) (*model.MailCache, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = e.maxResults
	}

	e.mu.Lock()
	if call, ok := e.inflight[sessionID]; ok {
		e.mu.Unlock()
		select {
		case <-call.done:
			return call.cache, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &syncCall{done: make(chan struct{})}
	e.inflight[sessionID] = call
	e.mu.Unlock()

	call.cache, call.err = e.doSync(ctx, sessionID, opts)

	e.mu.Lock()
	delete(e.inflight, sessionID)
	e.mu.Unlock()
	close(call.done)

	return call.cache, call.err
}

func (e *Engine) doSync(ctx context.Context, sessionID string, opts SyncOptions) (*model.MailCache, error) {
	e.broadcast(sessionID, "sync_started", map[string]interface{}{"filter": opts.Filter})

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.retryBaseDelay
	expo.MaxInterval = 8 * e.retryBaseDelay

	messages, err := backoff.Retry(ctx, func() ([]*model.Message, error) {
		var listed []*model.Message
		reqErr := e.tokens.AuthorizedRequest(ctx, sessionID, func(ctx context.Context, accessToken string) error {
			var lerr error
			listed, lerr = e.client.ListMessages(ctx, accessToken, opts.MaxResults, opts.Filter)
			return lerr
		})
		if reqErr != nil {
			return nil, classifyForRetry(reqErr)
		}
		return listed, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(e.maxAttempts)))

	if err != nil {
		e.logger.Error("Mailbox sync failed for session:", sessionID, err)
		e.broadcast(sessionID, "sync_failed", map[string]interface{}{"error": err.Error()})
		if errors.Is(err, token.ErrSessionExpired) || errors.Is(err, token.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	cache := &model.MailCache{
		Messages:   messages,
		FetchedAt:  time.Now(),
		StaleAfter: e.staleAfter,
	}

	// Wholesale replacement. Any optimistic flag changes applied since the
	// fetch began are discarded here: server state wins on conflict.
	e.mu.Lock()
	e.caches[sessionID] = &cacheEntry{cache: cache, opts: opts}
	e.mu.Unlock()

	e.logger.Info("Synced", len(messages), "messages for session:", sessionID)
	e.broadcast(sessionID, "mailbox_synced", map[string]interface{}{"count": len(messages)})
	return cache, nil
}

// ReadCache returns the current snapshot without blocking. A stale
// snapshot is returned immediately while a background refresh is kicked
// off (stale-while-revalidate); a missing one is reported as missing, not
// faked.
func (e *Engine) ReadCache(sessionID string) (*model.MailCache, CacheState) {
	e.mu.Lock()
	entry, ok := e.caches[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil, CacheMissing
	}
	cache := entry.cache
	opts := entry.opts
	_, revalidating := e.inflight[sessionID]
	e.mu.Unlock()

	if !cache.Stale() {
		return cache, CacheFresh
	}
	if !revalidating {
		go e.backgroundSync(sessionID, opts)
	}
	return cache, CacheStale
}

// ApplyLocalFlagChange patches the cached message immediately, then pushes
// the equivalent label change to the provider in the background. The push
// is best effort: a failure is logged and left for the next sync to
// reconcile, with the server's answer winning.
//
// Published snapshots are immutable: the patch replaces the message and the
// snapshot rather than writing into them, so callers still holding an
// earlier ReadCache/Sync result can read or serialize it without locking.
func (e *Engine) ApplyLocalFlagChange(ctx context.Context, sessionID, messageID string, patch FlagPatch) error {
	e.mu.Lock()
	entry, ok := e.caches[sessionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCache, sessionID)
	}
	idx := -1
	for i, m := range entry.cache.Messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	patched := *entry.cache.Messages[idx]
	var addLabels, removeLabels []string
	if patch.IsRead != nil {
		patched.IsRead = *patch.IsRead
		if *patch.IsRead {
			removeLabels = append(removeLabels, "UNREAD")
		} else {
			addLabels = append(addLabels, "UNREAD")
		}
	}
	if patch.IsStarred != nil {
		patched.IsStarred = *patch.IsStarred
		if *patch.IsStarred {
			addLabels = append(addLabels, "STARRED")
		} else {
			removeLabels = append(removeLabels, "STARRED")
		}
	}
	if patch.IsImportant != nil {
		patched.IsImportant = *patch.IsImportant
		if *patch.IsImportant {
			addLabels = append(addLabels, "IMPORTANT")
		} else {
			removeLabels = append(removeLabels, "IMPORTANT")
		}
	}
	if patch.Labels != nil {
		patched.Labels = append([]string(nil), patch.Labels...)
	}

	messages := make([]*model.Message, len(entry.cache.Messages))
	copy(messages, entry.cache.Messages)
	messages[idx] = &patched
	entry.cache = &model.MailCache{
		Messages:   messages,
		FetchedAt:  entry.cache.FetchedAt,
		StaleAfter: entry.cache.StaleAfter,
	}
	e.mu.Unlock()

	e.broadcast(sessionID, "message_updated", &patched)

	if len(addLabels) > 0 || len(removeLabels) > 0 {
		go e.pushFlagChange(sessionID, messageID, addLabels, removeLabels)
	}
	return nil
}

// Send submits a message through the provider. On success a background
// sync is triggered so the sent item shows up with its server-assigned id;
// the engine never fabricates the sent message locally.
func (e *Engine) Send(ctx context.Context, sessionID string, compose model.ComposeData) (string, error) {
	if len(compose.To) == 0 {
		return "", fmt.Errorf("%w: no recipients", ErrSendFailed)
	}

	var messageID string
	err := e.tokens.AuthorizedRequest(ctx, sessionID, func(ctx context.Context, accessToken string) error {
		var serr error
		messageID, serr = e.client.SendMessage(ctx, accessToken, compose)
		return serr
	})
	if err != nil {
		if errors.Is(err, token.ErrSessionExpired) || errors.Is(err, token.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	e.logger.Info("Sent message for session:", sessionID, "id:", messageID)
	e.broadcast(sessionID, "message_sent", map[string]interface{}{"id": messageID})

	e.mu.Lock()
	entry, ok := e.caches[sessionID]
	opts := SyncOptions{MaxResults: e.maxResults}
	if ok {
		opts = entry.opts
	}
	e.mu.Unlock()
	go e.backgroundSync(sessionID, opts)

	return messageID, nil
}

// InvalidateCache drops the session's snapshot, e.g. on disconnect.
func (e *Engine) InvalidateCache(sessionID string) {
	e.mu.Lock()
	delete(e.caches, sessionID)
	e.mu.Unlock()
}

func (e *Engine) backgroundSync(sessionID string, opts SyncOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), e.syncTimeout)
	defer cancel()

	if _, err := e.Sync(ctx, sessionID, opts); err != nil {
		e.logger.Warn("Background sync failed for session:", sessionID, err)
	}
}

func (e *Engine) pushFlagChange(sessionID, messageID string, addLabels, removeLabels []string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.syncTimeout)
	defer cancel()

	err := e.tokens.AuthorizedRequest(ctx, sessionID, func(ctx context.Context, accessToken string) error {
		return e.client.ModifyMessage(ctx, accessToken, messageID, addLabels, removeLabels)
	})
	if err != nil {
		e.logger.Warn("Flag push failed for message:", messageID, err)
	}
}

func (e *Engine) broadcast(sessionID, eventType string, data interface{}) {
	if e.notifier != nil {
		e.notifier.BroadcastToSession(sessionID, eventType, data)
	}
}

// classifyForRetry maps provider failures onto the retry policy: session
// expiry and 4xx responses are permanent, 429 backs off at least as long
// as any Retry-After hint, and everything else (5xx, network errors,
// timeouts) stays retryable.
func classifyForRetry(err error) error {
	if errors.Is(err, token.ErrSessionExpired) || errors.Is(err, token.ErrNotFound) {
		return backoff.Permanent(err)
	}
	code := token.StatusCode(err)
	switch {
	case code == http.StatusTooManyRequests:
		if secs := retryAfterSeconds(err); secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return err
	case code >= 500 || code == 0:
		return err
	default:
		return backoff.Permanent(err)
	}
}

func retryAfterSeconds(err error) int {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Header == nil {
		return 0
	}
	secs, convErr := strconv.Atoi(gerr.Header.Get("Retry-After"))
	if convErr != nil || secs <= 0 {
		return 0
	}
	return secs
}
