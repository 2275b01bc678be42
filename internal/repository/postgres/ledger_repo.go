package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// LedgerRepo implements KeyShareLedger using PostgreSQL.
type LedgerRepo struct{ db *DB }

// NewLedgerRepo constructs a key share ledger.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

// LatestRoomKey loads the current room key of (room, session).
func (r *LedgerRepo) LatestRoomKey(ctx context.Context, roomID, sessionID uuid.UUID) (*model.RoomKeyRecord, error) {
	const q = `
SELECT key, shares, created_at
FROM room_keys WHERE room_id=$1 AND session_id=$2`
	rec := model.RoomKeyRecord{RoomID: roomID, SessionID: sessionID}
	var keyJSON, sharesJSON []byte
	if err := r.db.Pool.QueryRow(ctx, q, roomID, sessionID).Scan(&keyJSON, &sharesJSON, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(keyJSON, &rec.Key); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sharesJSON, &rec.Shares); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordRoomKey upserts the current room key. Concurrent writers race; the last one wins.
func (r *LedgerRepo) RecordRoomKey(ctx context.Context, rec *model.RoomKeyRecord) error {
	keyJSON, err := json.Marshal(rec.Key)
	if err != nil {
		return err
	}
	sharesJSON, err := json.Marshal(rec.Shares)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO room_keys (room_id, session_id, key_hash, key, shares, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (room_id, session_id) DO UPDATE
SET key_hash=EXCLUDED.key_hash, key=EXCLUDED.key, shares=EXCLUDED.shares, created_at=EXCLUDED.created_at`
	_, err = r.db.Pool.Exec(ctx, q, rec.RoomID, rec.SessionID, rec.Key.HashHex, keyJSON, sharesJSON, rec.CreatedAt)
	return err
}

// RecordAccountKeyShare inserts the share of one session; a second one is rejected.
func (r *LedgerRepo) RecordAccountKeyShare(ctx context.Context, userID uuid.UUID, share model.AccountKeyShare) error {
	ct, err := json.Marshal(share.CipherText)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO account_key_shares (user_id, session_id, cipher_text)
VALUES ($1, $2, $3)`
	_, err = r.db.Pool.Exec(ctx, q, userID, share.SessionID, ct)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// AccountKeyShare loads the share recorded for a session.
func (r *LedgerRepo) AccountKeyShare(ctx context.Context, userID, sessionID uuid.UUID) (*model.AccountKeyShare, error) {
	const q = `SELECT cipher_text FROM account_key_shares WHERE user_id=$1 AND session_id=$2`
	var ct []byte
	if err := r.db.Pool.QueryRow(ctx, q, userID, sessionID).Scan(&ct); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	share := &model.AccountKeyShare{SessionID: sessionID}
	if err := json.Unmarshal(ct, &share.CipherText); err != nil {
		return nil, err
	}
	return share, nil
}

// MarkDelivered flags a share as fetched and acknowledged.
func (r *LedgerRepo) MarkDelivered(ctx context.Context, userID, sessionID uuid.UUID) error {
	const q = `UPDATE account_key_shares SET delivered=true, delivered_at=now() WHERE user_id=$1 AND session_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, userID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// PendingSessions lists sessions whose share is not yet acknowledged, oldest first.
func (r *LedgerRepo) PendingSessions(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	const q = `
SELECT session_id FROM account_key_shares
WHERE user_id=$1 AND NOT delivered
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
