package memory

import (
	"context"
	"sync"

	"mailsync/internal/model"
	"mailsync/internal/repository"
)

type InMemorySessionRepository struct {
	sessions map[string]*model.Session
	mutex    sync.RWMutex
}

func NewInMemorySessionRepository() *InMemorySessionRepository {
	return &InMemorySessionRepository{
		sessions: make(map[string]*model.Session),
	}
}

func (r *InMemorySessionRepository) Upsert(ctx context.Context, session *model.Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stored := *session
	r.sessions[session.ID] = &stored
	return nil
}

func (r *InMemorySessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, repository.ErrSessionNotFound
	}
	found := *session
	return &found, nil
}

func (r *InMemorySessionRepository) FindByAccountEmail(ctx context.Context, email string) (*model.Session, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, session := range r.sessions {
		if session.AccountEmail == email {
			found := *session
			return &found, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (r *InMemorySessionRepository) Delete(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.sessions, id)
	return nil
}

func (r *InMemorySessionRepository) FindAll(ctx context.Context) ([]*model.Session, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var sessions []*model.Session
	for _, session := range r.sessions {
		found := *session
		sessions = append(sessions, &found)
	}
	return sessions, nil
}
