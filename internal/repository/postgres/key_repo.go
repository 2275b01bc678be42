package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// KeyRepo implements KeyRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a public key repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

// Put inserts a published key.
func (r *KeyRepo) Put(ctx context.Context, rec *model.KeyRecord) error {
	const q = `
INSERT INTO public_keys (owner_id, kind, hash_hex, body, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, rec.Owner, string(rec.Kind), rec.Hash, []byte(rec.Body), rec.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects one published key.
func (r *KeyRepo) Get(ctx context.Context, owner uuid.UUID, kind model.KeyKind, hash string) (*model.KeyRecord, error) {
	const q = `
SELECT body, created_at FROM public_keys
WHERE owner_id=$1 AND kind=$2 AND hash_hex=$3`
	rec := model.KeyRecord{Owner: owner, Kind: kind, Hash: hash}
	var body []byte
	if err := r.db.Pool.QueryRow(ctx, q, owner, string(kind), hash).Scan(&body, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	rec.Body = body
	return &rec, nil
}

// Find selects keys matching every non-zero field of q, newest first.
func (r *KeyRepo) Find(ctx context.Context, q model.KeyQuery) ([]model.KeyRecord, error) {
	const sel = `
SELECT owner_id, kind, hash_hex, body, created_at FROM public_keys
WHERE ($1::uuid IS NULL OR owner_id=$1)
  AND ($2 = '' OR kind=$2)
  AND ($3 = '' OR hash_hex=$3)
ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, sel, nullUUID(q.Owner), string(q.Kind), q.Hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.KeyRecord{}
	for rows.Next() {
		var (
			rec  model.KeyRecord
			kind string
			body []byte
		)
		if err = rows.Scan(&rec.Owner, &kind, &rec.Hash, &body, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind, rec.Body = model.KeyKind(kind), body
		out = append(out, rec)
	}
	return out, rows.Err()
}
