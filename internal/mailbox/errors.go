package mailbox

import "errors"

var (
	// ErrNoCache means no snapshot exists for the session; the caller must
	// sync first. Deliberately distinct from a stale snapshot: absence of
	// data is never papered over with fabricated messages.
	ErrNoCache = errors.New("no cached mailbox for session")

	// ErrMessageNotFound means the referenced message is not in the
	// current snapshot.
	ErrMessageNotFound = errors.New("message not in cache")

	// ErrSyncFailed wraps a sync that exhausted its retry budget or hit a
	// permanent provider error. Session expiry is not folded into this;
	// token.ErrSessionExpired propagates unchanged.
	ErrSyncFailed = errors.New("mailbox sync failed")

	// ErrSendFailed wraps a rejected send. Never retried automatically:
	// resending on error risks duplicate delivery.
	ErrSendFailed = errors.New("send failed")
)
