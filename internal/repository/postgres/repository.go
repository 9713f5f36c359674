package postgres

import (
	"context"
	"database/sql"
	"errors"

	"mailsync/internal/model"
	"mailsync/internal/repository"

	_ "github.com/lib/pq"
)

type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

func (r *PostgresSessionRepository) Upsert(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (id, account_email, access_token, refresh_token, token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			account_email = EXCLUDED.account_email,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.AccountEmail,
		session.Token.AccessToken, session.Token.RefreshToken, session.Token.ExpiresAt,
		session.CreatedAt, session.UpdatedAt)
	return err
}

func (r *PostgresSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT id, account_email, access_token, refresh_token, token_expires_at, created_at, updated_at FROM sessions WHERE id = $1`
	return r.scanSession(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresSessionRepository) FindByAccountEmail(ctx context.Context, email string) (*model.Session, error) {
	query := `SELECT id, account_email, access_token, refresh_token, token_expires_at, created_at, updated_at FROM sessions WHERE account_email = $1`
	return r.scanSession(r.db.QueryRowContext(ctx, query, email))
}

func (r *PostgresSessionRepository) scanSession(row *sql.Row) (*model.Session, error) {
	session := &model.Session{}
	err := row.Scan(
		&session.ID, &session.AccountEmail,
		&session.Token.AccessToken, &session.Token.RefreshToken, &session.Token.ExpiresAt,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *PostgresSessionRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresSessionRepository) FindAll(ctx context.Context) ([]*model.Session, error) {
	query := `SELECT id, account_email, access_token, refresh_token, token_expires_at, created_at, updated_at FROM sessions`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session := &model.Session{}
		err := rows.Scan(
			&session.ID, &session.AccountEmail,
			&session.Token.AccessToken, &session.Token.RefreshToken, &session.Token.ExpiresAt,
			&session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// InitializeDatabase creates the sessions table if it does not exist yet.
func InitializeDatabase(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_email TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_account_email ON sessions (account_email);`
	_, err := db.Exec(query)
	return err
}
