// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/model"
)

// KeyShareLedger records which room keys are current and which sessions hold
// a copy of their account key. Reads see prior writes of the same caller;
// there is no cross-caller exclusion.
type KeyShareLedger interface {
	// LatestRoomKey returns the most recent room key issued for (room, session),
	// or errs.ErrNotFound.
	LatestRoomKey(ctx context.Context, roomID, sessionID uuid.UUID) (*model.RoomKeyRecord, error)
	// RecordRoomKey makes rec the current room key of (rec.RoomID, rec.SessionID).
	// The last write wins.
	RecordRoomKey(ctx context.Context, rec *model.RoomKeyRecord) error
	// RecordAccountKeyShare stores the account key ciphertext for one session.
	// A second share for the same session is errs.ErrAlreadyExists.
	RecordAccountKeyShare(ctx context.Context, userID uuid.UUID, share model.AccountKeyShare) error
	// AccountKeyShare returns the share recorded for a session, or errs.ErrNotFound.
	AccountKeyShare(ctx context.Context, userID, sessionID uuid.UUID) (*model.AccountKeyShare, error)
	// MarkDelivered records that the session fetched and acknowledged its share.
	MarkDelivered(ctx context.Context, userID, sessionID uuid.UUID) error
	// PendingSessions lists sessions with a recorded but unacknowledged share.
	PendingSessions(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// MigrationStore persists device-migration handshakes.
type MigrationStore interface {
	// Get loads a migration by id, or errs.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.Migration, error)
	// Create inserts a new migration in the requested state.
	Create(ctx context.Context, m *model.Migration) error
	// Update replaces the record only if its stored state still equals expected,
	// otherwise errs.ErrVersionConflict.
	Update(ctx context.Context, m *model.Migration, expected model.MigrationState) error
	// Delete discards a migration.
	Delete(ctx context.Context, id uuid.UUID) error
}

// MigrationReaper drops handshakes that were abandoned before completion.
type MigrationReaper interface {
	// DeleteStale removes migrations not updated since cutoff and returns how many.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRegistry maps a user's logged-in devices to session ids.
type SessionRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Create(ctx context.Context, s *model.Session) error
	SetState(ctx context.Context, id uuid.UUID, state model.SessionState) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error)
}

// KeyRepository stores published public keys.
type KeyRepository interface {
	// Put inserts a key record; the same (owner, kind, hash) twice is errs.ErrAlreadyExists.
	Put(ctx context.Context, rec *model.KeyRecord) error
	// Get returns one key record, or errs.ErrNotFound.
	Get(ctx context.Context, owner uuid.UUID, kind model.KeyKind, hash string) (*model.KeyRecord, error)
	// Find returns matching records, newest first.
	Find(ctx context.Context, q model.KeyQuery) ([]model.KeyRecord, error)
}
