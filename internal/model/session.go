package model

import (
	"time"

	"github.com/google/uuid"
)

// Session identifies one authenticated external-account connection.
// A session starts out pending (CSRFState set, no tokens) and becomes
// authenticated once the authorization code has been exchanged and the
// account email resolved.
type Session struct {
	ID           string      `json:"id"`
	AccountEmail string      `json:"account_email"`
	CSRFState    string      `json:"-"`
	Token        TokenRecord `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TokenRecord is one OAuth credential set, owned exclusively by a Session.
// It is replaced wholesale on refresh, never patched field by field.
type TokenRecord struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func NewSession(accountEmail string, token TokenRecord) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		AccountEmail: accountEmail,
		Token:        token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Authenticated reports whether the session holds a confirmed account
// identity. Pending authorize attempts are never authenticated.
func (s *Session) Authenticated() bool {
	return s.AccountEmail != "" && s.Token.AccessToken != ""
}

// Expired reports whether the access token must be refreshed before use.
// The slack keeps a token that is about to expire from being handed to a
// request that would then race the expiry.
func (t TokenRecord) Expired(slack time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(slack).After(t.ExpiresAt)
}
