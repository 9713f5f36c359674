package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailsync/internal/logger"
	"mailsync/internal/model"
)

const defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Options configures a Controller. Endpoint and UserInfoURL default to
// Google's; tests point them at local fake servers.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Result is the one-shot outcome of an authorize attempt, delivered to
// completion waiters exactly once.
type Result struct {
	Token        model.TokenRecord
	AccountEmail string
	Err          error
}

type pendingAuth struct {
	state string
	done  chan Result
	timer *time.Timer
	once  sync.Once
}

// deliver resolves the attempt. Subsequent calls are no-ops, so a late
// timeout firing after a completed exchange cannot overwrite the outcome.
func (p *pendingAuth) deliver(res Result) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- res
	})
}

// Controller drives the OAuth 2.0 authorization-code grant end to end:
// BeginAuthorize issues the provider URL with a fresh single-use CSRF state,
// CompleteAuthorize validates the callback and exchanges the code, and the
// per-attempt completion channel tells the embedding caller the outcome
// without any transport assumption.
type Controller struct {
	conf        *oauth2.Config
	userInfoURL string
	timeout     time.Duration
	httpClient  *http.Client
	logger      *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingAuth
}

func NewController(opts Options, log *logger.Logger) *Controller {
	endpoint := opts.Endpoint
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	userInfoURL := opts.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultUserInfoURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Controller{
		conf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		timeout:     timeout,
		httpClient:  httpClient,
		logger:      log,
	}
}

// BeginAuthorize starts a flow under a freshly generated session id.
func (c *Controller) BeginAuthorize() (authorizeURL, sessionID string, err error) {
	sessionID = uuid.New().String()
	authorizeURL, err = c.BeginAuthorizeSession(sessionID)
	return authorizeURL, sessionID, err
}

// BeginAuthorizeSession starts a flow under a caller-supplied session id.
// Each call issues a fresh random CSRF state; beginning again for the same
// session cancels the previous attempt.
func (c *Controller) BeginAuthorizeSession(sessionID string) (string, error) {
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	p := &pendingAuth{
		state: state,
		done:  make(chan Result, 1),
	}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.fail(sessionID, p, ErrAuthTimedOut)
	})

	c.mu.Lock()
	if prev, ok := c.pending[sessionID]; ok {
		prev.deliver(Result{Err: ErrAuthCanceled})
	}
	if c.pending == nil {
		c.pending = make(map[string]*pendingAuth)
	}
	c.pending[sessionID] = p
	c.mu.Unlock()

	url := c.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))

	c.logger.Info("Started authorize attempt for session:", sessionID)
	return url, nil
}

// CompleteAuthorize validates the callback and exchanges the code for a
// token record. The pending state is consumed whatever the outcome; a
// mismatched state fails the attempt rather than leaving it open to replay.
func (c *Controller) CompleteAuthorize(ctx context.Context, sessionID, returnedState, code string) (model.TokenRecord, string, error) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if !ok {
		c.mu.Unlock()
		return model.TokenRecord{}, "", fmt.Errorf("%w: no pending attempt for session %q", ErrInvalidState, sessionID)
	}
	delete(c.pending, sessionID)
	c.mu.Unlock()

	// The attempt now belongs to this call. Stop the timeout here, not just
	// in deliver: the exchange below is a network round trip, and a timer
	// firing during it would resolve the waiter with a timeout for a
	// session that ends up authenticated.
	if p.timer != nil {
		p.timer.Stop()
	}

	if p.state != returnedState {
		err := fmt.Errorf("%w: state mismatch for session %q", ErrInvalidState, sessionID)
		p.deliver(Result{Err: err})
		c.logger.Warn("Rejected callback with mismatched state for session:", sessionID)
		return model.TokenRecord{}, "", err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrTokenExchangeFailed, exchangeDetail(err))
		p.deliver(Result{Err: wrapped})
		return model.TokenRecord{}, "", wrapped
	}

	email, err := c.fetchAccountEmail(ctx, tok.AccessToken)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrIdentityFetchFailed, err)
		p.deliver(Result{Err: wrapped})
		return model.TokenRecord{}, "", wrapped
	}

	record := model.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	p.deliver(Result{Token: record, AccountEmail: email})

	c.logger.Info("Completed authorize attempt for session:", sessionID, "account:", email)
	return record, email, nil
}

// WaitForCompletion returns the one-shot completion channel for a pending
// attempt. The second return is false when no attempt is pending.
func (c *Controller) WaitForCompletion(sessionID string) (<-chan Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[sessionID]
	if !ok {
		return nil, false
	}
	return p.done, true
}

// Cancel discards a pending attempt, e.g. when the embedding UI closes its
// popup. Idempotent; canceling an unknown session is a no-op.
func (c *Controller) Cancel(sessionID string) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if ok {
		p.deliver(Result{Err: ErrAuthCanceled})
		c.logger.Info("Canceled authorize attempt for session:", sessionID)
	}
}

// HasPending reports whether an authorize attempt is open for the session.
func (c *Controller) HasPending(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[sessionID]
	return ok
}

// Refresh exchanges a refresh token for a new token record. A response
// without a refresh token keeps the old one, since Google only reissues it
// on consent.
func (c *Controller) Refresh(ctx context.Context, refreshToken string) (model.TokenRecord, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	ts := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("failed to refresh token: %v", exchangeDetail(err))
	}

	record := model.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if record.RefreshToken == "" {
		record.RefreshToken = refreshToken
	}
	return record, nil
}

// fail resolves a still-pending attempt with the given error and removes it.
func (c *Controller) fail(sessionID string, p *pendingAuth, cause error) {
	c.mu.Lock()
	if current, ok := c.pending[sessionID]; ok && current == p {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	p.deliver(Result{Err: cause})
	c.logger.Warn("Authorize attempt failed for session:", sessionID, cause)
}

func (c *Controller) fetchAccountEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("userinfo endpoint returned %d: %s", resp.StatusCode, body)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response contained no email")
	}
	return info.Email, nil
}

// exchangeDetail pulls the provider's error body out of an oauth2 failure
// so callers see {error, error_description} instead of a bare status.
func exchangeDetail(err error) string {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.ErrorCode != "" {
			return fmt.Sprintf("%s: %s", rErr.ErrorCode, rErr.ErrorDescription)
		}
		return fmt.Sprintf("provider returned %s: %s", rErr.Response.Status, rErr.Body)
	}
	return err.Error()
}

func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
