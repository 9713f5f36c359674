package auth

import "errors"

// Every failure of an authorize attempt surfaces as one of these named
// outcomes, wrapped with detail. Callers match with errors.Is.
var (
	// ErrInvalidState signals a forged or replayed callback: the returned
	// state does not match the one issued for the session, or no attempt
	// is pending. Never retried automatically.
	ErrInvalidState = errors.New("invalid authorization state")

	// ErrTokenExchangeFailed means the provider rejected the code exchange.
	// Authorization codes are single-use, so the attempt is not retried.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrIdentityFetchFailed means the account email could not be resolved
	// with the freshly issued access token.
	ErrIdentityFetchFailed = errors.New("identity fetch failed")

	// ErrAuthTimedOut means no callback arrived within the configured
	// window; the pending state has been discarded.
	ErrAuthTimedOut = errors.New("authorization timed out")

	// ErrAuthCanceled means the embedding caller abandoned the attempt,
	// e.g. by closing its popup window.
	ErrAuthCanceled = errors.New("authorization canceled")
)
