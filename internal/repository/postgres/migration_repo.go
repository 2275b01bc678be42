package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// MigrationRepo implements MigrationStore using PostgreSQL.
type MigrationRepo struct{ db *DB }

// NewMigrationRepo constructs a migration store.
func NewMigrationRepo(db *DB) *MigrationRepo { return &MigrationRepo{db: db} }

// Get loads a migration by id.
func (r *MigrationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Migration, error) {
	const q = `
SELECT id, state, requester_user, requester_session, migrate_key,
       accepter_session, data_sign_key, data, created_at, updated_at
FROM device_migrations WHERE id=$1`
	var (
		m                         model.Migration
		state                     string
		migrateKey, signKey, data []byte
		accepter                  uuid.NullUUID
	)
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&m.ID, &state, &m.RequesterUser, &m.RequesterSession, &migrateKey,
		&accepter, &signKey, &data, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	m.State = model.MigrationState(state)
	if accepter.Valid {
		m.AccepterSession = accepter.UUID
	}
	if err = json.Unmarshal(migrateKey, &m.MigrateKey); err != nil {
		return nil, err
	}
	if m.DataSignKey, err = fromJSONB[model.MigrateDataSignKeyPub](signKey); err != nil {
		return nil, err
	}
	if m.Data, err = fromJSONB[model.MigrationData](data); err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts a migration record.
func (r *MigrationRepo) Create(ctx context.Context, m *model.Migration) error {
	migrateKey, err := json.Marshal(m.MigrateKey)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO device_migrations (id, state, requester_user, requester_session, migrate_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.Pool.Exec(ctx, q, m.ID, string(m.State), m.RequesterUser, m.RequesterSession, migrateKey, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Update writes m only if the stored state still equals expected.
func (r *MigrationRepo) Update(ctx context.Context, m *model.Migration, expected model.MigrationState) (err error) {
	signKey, err := jsonb(m.DataSignKey)
	if err != nil {
		return err
	}
	data, err := jsonb(m.Data)
	if err != nil {
		return err
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT state FROM device_migrations WHERE id=$1 FOR UPDATE`
	const upd = `
UPDATE device_migrations
SET state=$2, accepter_session=$3, data_sign_key=$4, data=$5, updated_at=$6
WHERE id=$1`

	var cur string
	if err = tx.QueryRow(ctx, sel, m.ID).Scan(&cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if model.MigrationState(cur) != expected {
		return errs.ErrVersionConflict
	}
	_, err = tx.Exec(ctx, upd, m.ID, string(m.State), nullUUID(m.AccepterSession), signKey, data, m.UpdatedAt)
	return err
}

// Delete removes a migration record.
func (r *MigrationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM device_migrations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteStale removes handshakes not touched since cutoff. Returns the number removed.
func (r *MigrationRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM device_migrations WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
