package token

import (
	"context"
	"errors"
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
)

type mockRefresher struct {
	RefreshFunc func(ctx context.Context, refreshToken string) (model.TokenRecord, error)
	calls       int32
}

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken string) (model.TokenRecord, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return model.TokenRecord{
		AccessToken:  "refreshed-access",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (m *mockRefresher) Calls() int32 {
	return atomic.LoadInt32(&m.calls)
}

func newTestStore(refresher Refresher) *Store {
	return NewStore(memory.NewInMemorySessionRepository(), refresher, logger.Discard())
}

func validRecord() model.TokenRecord {
	return model.TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func expiredRecord() model.TokenRecord {
	return model.TokenRecord{
		AccessToken:  "access-stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
}

func unauthorized() error {
	return &googleapi.Error{Code: 401, Message: "Invalid Credentials"}
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(&mockRefresher{})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", "user@example.com", validRecord()))

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", sess.AccountEmail)
	assert.Equal(t, "access-1", sess.Token.AccessToken)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete is idempotent.
	assert.NoError(t, store.Delete(ctx, "s1"))
}

func TestPutOverwritesExistingRecord(t *testing.T) {
	store := newTestStore(&mockRefresher{})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", "user@example.com", validRecord()))

	updated := validRecord()
	updated.AccessToken = "access-2"
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", updated))

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", sess.Token.AccessToken)
}

func TestAuthorizedRequestValidToken(t *testing.T) {
	refresher := &mockRefresher{}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", validRecord()))

	var seen string
	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		seen = accessToken
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "access-1", seen)
	assert.EqualValues(t, 0, refresher.Calls())
}

func TestAuthorizedRequestUnknownSession(t *testing.T) {
	store := newTestStore(&mockRefresher{})

	err := store.AuthorizedRequest(context.Background(), "nope", func(ctx context.Context, accessToken string) error {
		t.Fatal("request must not run without a token record")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizedRequestRefreshesExpiredTokenFirst(t *testing.T) {
	refresher := &mockRefresher{}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", expiredRecord()))

	var seen string
	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		seen = accessToken
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", seen)
	assert.EqualValues(t, 1, refresher.Calls())

	// The refreshed record was persisted.
	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", sess.Token.AccessToken)
}

func TestAuthorizedRequestRetriesOnceAfter401(t *testing.T) {
	refresher := &mockRefresher{}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", validRecord()))

	// Provider rejects the stored token once; after one refresh the retry
	// succeeds with the new token.
	var tokensSeen []string
	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		tokensSeen = append(tokensSeen, accessToken)
		if accessToken == "access-1" {
			return unauthorized()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"access-1", "refreshed-access"}, tokensSeen)
	assert.EqualValues(t, 1, refresher.Calls())
}

func TestAuthorizedRequestSecond401ExpiresSession(t *testing.T) {
	refresher := &mockRefresher{}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", validRecord()))

	calls := 0
	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		calls++
		return unauthorized()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 2, calls, "exactly one retry after the refresh")
	assert.EqualValues(t, 1, refresher.Calls())

	// The session was invalidated, not left around for silent retries.
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizedRequestNoRefreshToken(t *testing.T) {
	refresher := &mockRefresher{}
	store := newTestStore(refresher)
	ctx := context.Background()

	record := validRecord()
	record.RefreshToken = ""
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", record))

	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		return unauthorized()
	})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.EqualValues(t, 0, refresher.Calls())

	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizedRequestRefreshFailureExpiresSession(t *testing.T) {
	refresher := &mockRefresher{
		RefreshFunc: func(ctx context.Context, refreshToken string) (model.TokenRecord, error) {
			return model.TokenRecord{}, errors.New("invalid_grant: token revoked")
		},
	}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", expiredRecord()))

	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		t.Fatal("request must not run after a failed refresh")
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Contains(t, err.Error(), "invalid_grant")

	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizedRequestNon401ErrorPassesThrough(t *testing.T) {
	refresher := &mockRefresher{}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", validRecord()))

	serverErr := &googleapi.Error{Code: 503, Message: "Backend Error"}
	err := store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
		return serverErr
	})
	assert.ErrorIs(t, err, serverErr)
	assert.EqualValues(t, 0, refresher.Calls(), "5xx must not burn a refresh")
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	refresher := &mockRefresher{
		RefreshFunc: func(ctx context.Context, refreshToken string) (model.TokenRecord, error) {
			time.Sleep(50 * time.Millisecond) // widen the overlap window
			return model.TokenRecord{
				AccessToken:  "refreshed-access",
				RefreshToken: refreshToken,
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
	}
	store := newTestStore(refresher)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "s1", "user@example.com", expiredRecord()))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.AuthorizedRequest(ctx, "s1", func(ctx context.Context, accessToken string) error {
				if accessToken != "refreshed-access" {
					return unauthorized()
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.EqualValues(t, 1, refresher.Calls(), "all callers must share a single refresh")
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 401, StatusCode(&googleapi.Error{Code: 401}))
	assert.Equal(t, 429, StatusCode(&googleapi.Error{Code: 429}))
	assert.Equal(t, 0, StatusCode(errors.New("connection refused")))
	assert.Equal(t, 0, StatusCode(nil))
}
