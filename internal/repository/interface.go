package repository

import (
	"context"
	"errors"

	"mailsync/internal/model"
)

// ErrSessionNotFound is returned by any lookup that misses. Callers use it
// to distinguish "not authenticated" from a storage failure; the two are
// never conflated.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository defines the interface for session and token persistence.
// The token store is the only writer; implementations must make Upsert and
// Delete atomic per session id so no reader ever observes a half-written
// token record.
type SessionRepository interface {
	Upsert(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByAccountEmail(ctx context.Context, email string) (*model.Session, error)
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context) ([]*model.Session, error)
}
