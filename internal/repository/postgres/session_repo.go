package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// SessionRepo implements SessionRegistry using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session registry.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

// Get selects a session by id.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	const q = `SELECT id, user_id, state, created_at FROM sessions WHERE id=$1`
	var (
		s     model.Session
		state string
	)
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.UserID, &state, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	s.State = model.SessionState(state)
	return &s, nil
}

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `INSERT INTO sessions (id, user_id, state, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.UserID, string(s.State), s.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// SetState moves a session between pending and encrypted.
func (r *SessionRepo) SetState(ctx context.Context, id uuid.UUID, state model.SessionState) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE sessions SET state=$2 WHERE id=$1`, id, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListByUser returns the user's sessions, oldest first.
func (r *SessionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	const q = `
SELECT id, user_id, state, created_at FROM sessions
WHERE user_id=$1 ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Session{}
	for rows.Next() {
		var (
			s     model.Session
			state string
		)
		if err = rows.Scan(&s.ID, &s.UserID, &state, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.State = model.SessionState(state)
		out = append(out, s)
	}
	return out, rows.Err()
}
