package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"mailsync/internal/logger"
	"mailsync/internal/model"
	"mailsync/internal/repository/memory"
	"mailsync/internal/token"
)

type staticRefresher struct{}

func (staticRefresher) Refresh(ctx context.Context, refreshToken string) (model.TokenRecord, error) {
	return model.TokenRecord{
		AccessToken:  "refreshed-access",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func newTestTokenStore(t *testing.T, record model.TokenRecord) *token.Store {
	t.Helper()
	store := token.NewStore(memory.NewInMemorySessionRepository(), staticRefresher{}, logger.Discard())
	require.NoError(t, store.Put(context.Background(), "s1", "user@example.com", record))
	return store
}

func validToken() model.TokenRecord {
	return model.TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func newTestEngine(t *testing.T, client MailClient, opts Options) *Engine {
	t.Helper()
	return NewEngine(newTestTokenStore(t, validToken()), client, nil, logger.Discard(), opts)
}

func testMessage(id string, unread bool) *model.Message {
	msg := &model.Message{
		ID:       id,
		ThreadID: "t-" + id,
		From:     model.Address{Email: "sender@example.com"},
		Subject:  "subject " + id,
		IsRead:   !unread,
	}
	if unread {
		msg.Labels = []string{"UNREAD", "INBOX"}
	} else {
		msg.Labels = []string{"INBOX"}
	}
	return msg
}

func TestSyncReplacesCacheWholesale(t *testing.T) {
	var filterSeen Filter
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		filterSeen = filter
		if filter.Unread {
			return []*model.Message{testMessage("a", true), testMessage("b", true)}, nil
		}
		return []*model.Message{testMessage("c", false)}, nil
	}
	engine := newTestEngine(t, client, Options{})
	ctx := context.Background()

	cache, err := engine.Sync(ctx, "s1", SyncOptions{Filter: Filter{Unread: true}})
	require.NoError(t, err)
	require.Len(t, cache.Messages, 2)
	assert.True(t, filterSeen.Unread)

	// A sync under a different filter replaces the snapshot entirely; no
	// messages from the unread listing survive into the unfiltered one.
	cache, err = engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)
	require.Len(t, cache.Messages, 1)
	assert.Equal(t, "c", cache.Messages[0].ID)

	snapshot, state := engine.ReadCache("s1")
	assert.Equal(t, CacheFresh, state)
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, "c", snapshot.Messages[0].ID)
}

func TestSyncSingleFlightPerSession(t *testing.T) {
	var listCalls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		atomic.AddInt32(&listCalls, 1)
		time.Sleep(50 * time.Millisecond) // hold the in-flight window open
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{})

	const callers = 5
	var wg sync.WaitGroup
	caches := make([]*model.MailCache, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caches[i], errs[i] = engine.Sync(context.Background(), "s1", SyncOptions{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, caches[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&listCalls), "concurrent callers must join the in-flight sync")
}

func TestSyncRetriesTransientFailure(t *testing.T) {
	var calls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &googleapi.Error{Code: 503, Message: "Backend Error"}
		}
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{RetryBaseDelay: time.Millisecond})

	cache, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, cache.Messages, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSyncDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &googleapi.Error{Code: 400, Message: "Invalid query"}
	}
	engine := newTestEngine(t, client, Options{RetryBaseDelay: time.Millisecond})

	_, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")

	// A failed sync leaves no cache behind.
	_, state := engine.ReadCache("s1")
	assert.Equal(t, CacheMissing, state)
}

func TestSyncHonorsRetryAfterOn429(t *testing.T) {
	var calls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &googleapi.Error{
				Code:   429,
				Header: http.Header{"Retry-After": []string{"1"}},
			}
		}
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{RetryBaseDelay: time.Millisecond})

	start := time.Now()
	cache, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, cache.Messages, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond,
		"the retry must wait at least the Retry-After hint, not the base delay")
}

func TestSyncRetries429WithoutHint(t *testing.T) {
	var calls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &googleapi.Error{Code: 429, Message: "Rate limit exceeded"}
		}
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{RetryBaseDelay: time.Millisecond})

	cache, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.NoError(t, err)
	assert.Len(t, cache.Messages, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &googleapi.Error{Code: 500, Message: "Backend Error"}
	}
	engine := newTestEngine(t, client, Options{MaxAttempts: 3, RetryBaseDelay: time.Millisecond})

	_, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSyncPropagatesSessionExpiry(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return nil, &googleapi.Error{Code: 401, Message: "Invalid Credentials"}
	}

	// No refresh token, so the 401 invalidates the session outright.
	record := validToken()
	record.RefreshToken = ""
	store := newTestTokenStore(t, record)
	engine := NewEngine(store, client, nil, logger.Discard(), Options{RetryBaseDelay: time.Millisecond})

	_, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrSessionExpired)
	assert.NotErrorIs(t, err, ErrSyncFailed)
}

func TestReadCacheMissing(t *testing.T) {
	engine := newTestEngine(t, NewMockClient(), Options{})

	cache, state := engine.ReadCache("s1")
	assert.Nil(t, cache)
	assert.Equal(t, CacheMissing, state)
}

func TestReadCacheStaleServesSnapshotAndRevalidates(t *testing.T) {
	var generation int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		if atomic.AddInt32(&generation, 1) == 1 {
			return []*model.Message{testMessage("old", true)}, nil
		}
		return []*model.Message{testMessage("new", true)}, nil
	}
	engine := newTestEngine(t, client, Options{StaleAfter: 10 * time.Millisecond})

	_, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// The stale snapshot is served immediately, not blocked on the refresh.
	cache, state := engine.ReadCache("s1")
	assert.Equal(t, CacheStale, state)
	require.Len(t, cache.Messages, 1)
	assert.Equal(t, "old", cache.Messages[0].ID)

	// The background revalidation replaces the snapshot shortly after.
	assert.Eventually(t, func() bool {
		cache, _ := engine.ReadCache("s1")
		return cache != nil && len(cache.Messages) == 1 && cache.Messages[0].ID == "new"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestApplyLocalFlagChange(t *testing.T) {
	type modifyCall struct {
		messageID    string
		addLabels    []string
		removeLabels []string
	}
	modified := make(chan modifyCall, 1)

	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return []*model.Message{testMessage("a", true)}, nil
	}
	client.ModifyMessageFunc = func(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) error {
		modified <- modifyCall{messageID, addLabels, removeLabels}
		return nil
	}
	engine := newTestEngine(t, client, Options{})
	ctx := context.Background()

	_, err := engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)

	isRead := true
	isStarred := true
	err = engine.ApplyLocalFlagChange(ctx, "s1", "a", FlagPatch{IsRead: &isRead, IsStarred: &isStarred})
	require.NoError(t, err)

	// The cache reflects the change immediately.
	cache, _ := engine.ReadCache("s1")
	msg := cache.FindMessage("a")
	require.NotNil(t, msg)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsStarred)

	// The provider push happens in the background.
	select {
	case call := <-modified:
		assert.Equal(t, "a", call.messageID)
		assert.Equal(t, []string{"STARRED"}, call.addLabels)
		assert.Equal(t, []string{"UNREAD"}, call.removeLabels)
	case <-time.After(2 * time.Second):
		t.Fatal("flag change was never pushed to the provider")
	}
}

func TestApplyLocalFlagChangeUnknownMessage(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{})
	ctx := context.Background()

	// No cache yet.
	isRead := true
	err := engine.ApplyLocalFlagChange(ctx, "s1", "a", FlagPatch{IsRead: &isRead})
	assert.ErrorIs(t, err, ErrNoCache)

	_, err = engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)

	err = engine.ApplyLocalFlagChange(ctx, "s1", "missing", FlagPatch{IsRead: &isRead})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestFlagChangeDoesNotMutatePublishedSnapshot(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{})
	ctx := context.Background()

	_, err := engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)

	before, _ := engine.ReadCache("s1")

	isRead := true
	require.NoError(t, engine.ApplyLocalFlagChange(ctx, "s1", "a", FlagPatch{IsRead: &isRead, Labels: []string{"INBOX"}}))

	// The snapshot handed out before the patch is frozen; the change only
	// shows up in snapshots read afterwards.
	assert.False(t, before.FindMessage("a").IsRead)
	assert.Equal(t, []string{"UNREAD", "INBOX"}, before.FindMessage("a").Labels)

	after, _ := engine.ReadCache("s1")
	assert.True(t, after.FindMessage("a").IsRead)
	assert.Equal(t, []string{"INBOX"}, after.FindMessage("a").Labels)
}

func TestConcurrentSnapshotReadsAndFlagChanges(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return []*model.Message{testMessage("a", true), testMessage("b", true)}, nil
	}
	engine := newTestEngine(t, client, Options{})
	ctx := context.Background()

	_, err := engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)

	// One goroutine serializes snapshots while another keeps flipping
	// flags. Exercised under the race detector: a reader must never
	// observe a write into a snapshot it was handed.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			cache, _ := engine.ReadCache("s1")
			if _, err := json.Marshal(cache.Messages); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			read := i%2 == 0
			if err := engine.ApplyLocalFlagChange(ctx, "s1", "a", FlagPatch{IsRead: &read}); err != nil {
				t.Error(err)
				return
			}
		}
		close(done)
	}()
	wg.Wait()
}

func TestServerStateWinsOverLocalFlagChange(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		// Server keeps reporting the message unread.
		return []*model.Message{testMessage("a", true)}, nil
	}
	client.ModifyMessageFunc = func(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) error {
		return &googleapi.Error{Code: 500, Message: "Backend Error"}
	}
	engine := newTestEngine(t, client, Options{})
	ctx := context.Background()

	_, err := engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)

	isRead := true
	require.NoError(t, engine.ApplyLocalFlagChange(ctx, "s1", "a", FlagPatch{IsRead: &isRead}))

	cache, _ := engine.ReadCache("s1")
	assert.True(t, cache.FindMessage("a").IsRead)

	// The push failed; the next sync reconciles with the server's answer.
	cache, err = engine.Sync(ctx, "s1", SyncOptions{})
	require.NoError(t, err)
	assert.False(t, cache.FindMessage("a").IsRead)
}

func TestSendTriggersBackgroundSync(t *testing.T) {
	var listCalls int32
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		atomic.AddInt32(&listCalls, 1)
		return []*model.Message{testMessage("sent-1", false)}, nil
	}
	client.SendMessageFunc = func(ctx context.Context, accessToken string, compose model.ComposeData) (string, error) {
		return "sent-1", nil
	}
	engine := newTestEngine(t, client, Options{})

	id, err := engine.Send(context.Background(), "s1", model.ComposeData{
		To:      []string{"rcpt@example.com"},
		Subject: "hello",
		Body:    "world",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)

	// The sent message is never fabricated locally; a background sync
	// brings it in with its server-assigned id.
	assert.Eventually(t, func() bool {
		cache, state := engine.ReadCache("s1")
		return state != CacheMissing && cache.FindMessage("sent-1") != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&listCalls))
}

func TestSendValidatesRecipients(t *testing.T) {
	engine := newTestEngine(t, NewMockClient(), Options{})

	_, err := engine.Send(context.Background(), "s1", model.ComposeData{Subject: "no recipients"})
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestSendFailure(t *testing.T) {
	client := NewMockClient()
	client.SendMessageFunc = func(ctx context.Context, accessToken string, compose model.ComposeData) (string, error) {
		return "", &googleapi.Error{Code: 500, Message: "Backend Error"}
	}
	engine := newTestEngine(t, client, Options{})

	_, err := engine.Send(context.Background(), "s1", model.ComposeData{To: []string{"rcpt@example.com"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestInvalidateCache(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return []*model.Message{testMessage("a", true)}, nil
	}
	engine := newTestEngine(t, client, Options{})

	_, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.NoError(t, err)

	engine.InvalidateCache("s1")
	cache, state := engine.ReadCache("s1")
	assert.Nil(t, cache)
	assert.Equal(t, CacheMissing, state)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) BroadcastToSession(sessionID, eventType string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func TestSyncBroadcastsLifecycleEvents(t *testing.T) {
	client := NewMockClient()
	client.ListMessagesFunc = func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
		return []*model.Message{testMessage("a", true)}, nil
	}
	notifier := &recordingNotifier{}
	engine := NewEngine(newTestTokenStore(t, validToken()), client, notifier, logger.Discard(), Options{})

	_, err := engine.Sync(context.Background(), "s1", SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"sync_started", "mailbox_synced"}, notifier.Events())
}
