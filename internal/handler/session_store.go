package handler

import (
	"github.com/gorilla/sessions"
)

const (
	sessionCookieName = "mailsync_session"
	sessionIDKey      = "session_id"
)

// NewSessionStore creates the cookie store that carries the opaque session
// id across the authorize, callback and API-call sequence.
func NewSessionStore(secret []byte) *sessions.CookieStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 30, // 30 days
		HttpOnly: true,
		Secure:   false, // Set to true in production with HTTPS
		SameSite: 0,     // SameSiteDefaultMode
	}
	return store
}
