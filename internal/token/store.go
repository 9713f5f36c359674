package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/googleapi"

	"mailsync/internal/logger"
	"mailsync/internal/model"
	"mailsync/internal/repository"
)

// ErrNotFound is returned when no token record exists for a session.
var ErrNotFound = errors.New("no token record for session")

// ErrSessionExpired means the access token could not be refreshed: either
// no refresh token was issued, the refresh grant was rejected, or the
// provider kept answering 401 after a fresh token. The session has been
// invalidated and the account must re-run the authorize flow. Never
// retried silently.
var ErrSessionExpired = errors.New("session expired")

// RequestFunc is one authenticated provider call. It receives the current
// access token and must return the provider error unwrapped enough for
// StatusCode to classify it.
type RequestFunc func(ctx context.Context, accessToken string) error

// Refresher exchanges a refresh token for a fresh token record. The auth
// controller implements this against the provider's token endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.TokenRecord, error)
}

// Store is the single authoritative holder of token records, keyed by
// session id. It wraps provider calls with expiry checking and a
// single-flight refresh so N concurrent callers for one session share one
// refresh request instead of racing the provider.
type Store struct {
	repo        repository.SessionRepository
	refresher   Refresher
	logger      *logger.Logger
	expirySlack time.Duration

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token model.TokenRecord
	err   error
}

func NewStore(repo repository.SessionRepository, refresher Refresher, log *logger.Logger) *Store {
	return &Store{
		repo:        repo,
		refresher:   refresher,
		logger:      log,
		expirySlack: 30 * time.Second,
		inflight:    make(map[string]*refreshCall),
	}
}

// Get returns the session owning the token record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	return sess, nil
}

// Put atomically upserts the token record for a session, overwriting any
// prior record.
func (s *Store) Put(ctx context.Context, sessionID, accountEmail string, record model.TokenRecord) error {
	now := time.Now()
	sess := &model.Session{
		ID:           sessionID,
		AccountEmail: accountEmail,
		Token:        record,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, err := s.repo.FindByID(ctx, sessionID); err == nil {
		sess.CreatedAt = existing.CreatedAt
	}
	return s.repo.Upsert(ctx, sess)
}

// Delete removes the record. Idempotent.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.repo.Delete(ctx, sessionID)
}

// AuthorizedRequest runs fn with a valid access token. An expired token is
// refreshed before the call; a 401 from fn triggers exactly one refresh and
// one retry. A refresh failure, a missing refresh token, or a second 401
// invalidates the session and fails with ErrSessionExpired.
func (s *Store) AuthorizedRequest(ctx context.Context, sessionID string, fn RequestFunc) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	tok := sess.Token
	refreshed := false

	if tok.Expired(s.expirySlack) {
		tok, err = s.refreshToken(ctx, sessionID, tok)
		if err != nil {
			return s.expire(ctx, sessionID, err)
		}
		refreshed = true
	}

	err = fn(ctx, tok.AccessToken)
	if err == nil || StatusCode(err) != http.StatusUnauthorized {
		return err
	}

	// 401 after a refresh within this call is a hard authentication
	// failure, not another refresh.
	if refreshed {
		return s.expire(ctx, sessionID, err)
	}

	tok, rerr := s.refreshToken(ctx, sessionID, tok)
	if rerr != nil {
		return s.expire(ctx, sessionID, rerr)
	}

	err = fn(ctx, tok.AccessToken)
	if err != nil && StatusCode(err) == http.StatusUnauthorized {
		return s.expire(ctx, sessionID, err)
	}
	return err
}

// refreshToken obtains a fresh token record for the session, sharing any
// refresh already in flight for it. stale is the record the caller was
// holding; if the store has moved past it already the stored record is
// returned without another provider round trip.
func (s *Store) refreshToken(ctx context.Context, sessionID string, stale model.TokenRecord) (model.TokenRecord, error) {
	if stale.RefreshToken == "" {
		return model.TokenRecord{}, fmt.Errorf("no refresh token for session %s", sessionID)
	}

	s.mu.Lock()
	if call, ok := s.inflight[sessionID]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return model.TokenRecord{}, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight[sessionID] = call
	s.mu.Unlock()

	call.token, call.err = s.doRefresh(ctx, sessionID, stale)

	s.mu.Lock()
	delete(s.inflight, sessionID)
	s.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

func (s *Store) doRefresh(ctx context.Context, sessionID string, stale model.TokenRecord) (model.TokenRecord, error) {
	// A refresh that completed between the caller reading its token and
	// reaching here already left a usable record behind.
	if sess, err := s.repo.FindByID(ctx, sessionID); err == nil {
		current := sess.Token
		if current.AccessToken != stale.AccessToken && !current.Expired(s.expirySlack) {
			return current, nil
		}
	}

	record, err := s.refresher.Refresh(ctx, stale.RefreshToken)
	if err != nil {
		s.logger.Warn("Token refresh failed for session:", sessionID, err)
		return model.TokenRecord{}, err
	}

	sess, ferr := s.Get(ctx, sessionID)
	if ferr != nil {
		return model.TokenRecord{}, ferr
	}
	if err := s.Put(ctx, sessionID, sess.AccountEmail, record); err != nil {
		return model.TokenRecord{}, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	s.logger.Info("Refreshed access token for session:", sessionID)
	return record, nil
}

// expire invalidates the session and surfaces ErrSessionExpired carrying
// the underlying cause.
func (s *Store) expire(ctx context.Context, sessionID string, cause error) error {
	if err := s.Delete(ctx, sessionID); err != nil {
		s.logger.Error("Failed to delete expired session:", sessionID, err)
	}
	s.logger.Warn("Session expired:", sessionID, cause)
	return fmt.Errorf("%w: %v", ErrSessionExpired, cause)
}

// StatusCode extracts the HTTP status from a provider error, or 0 when the
// error carries none (network failures, timeouts).
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}
