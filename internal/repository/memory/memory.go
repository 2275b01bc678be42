// Package memory contains in-process implementations of the repository
// interfaces. Every method serialises on one mutex per store.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository"
)

var (
	_ repository.KeyShareLedger  = (*Ledger)(nil)
	_ repository.MigrationStore  = (*Migrations)(nil)
	_ repository.MigrationReaper = (*Migrations)(nil)
	_ repository.SessionRegistry = (*Sessions)(nil)
	_ repository.KeyRepository   = (*Keys)(nil)
)

type roomSession struct{ room, session uuid.UUID }

type userSession struct{ user, session uuid.UUID }

type shareEntry struct {
	share     model.AccountKeyShare
	delivered bool
}

// Ledger is a KeyShareLedger held in memory.
type Ledger struct {
	mu     sync.Mutex
	rooms  map[roomSession]model.RoomKeyRecord
	shares map[userSession]*shareEntry
	order  map[uuid.UUID][]uuid.UUID // per user, sessions in share order
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		rooms:  map[roomSession]model.RoomKeyRecord{},
		shares: map[userSession]*shareEntry{},
		order:  map[uuid.UUID][]uuid.UUID{},
	}
}

func copyRecord(r model.RoomKeyRecord) *model.RoomKeyRecord {
	r.Shares = slices.Clone(r.Shares)
	return &r
}

// LatestRoomKey implements repository.KeyShareLedger.
func (l *Ledger) LatestRoomKey(_ context.Context, roomID, sessionID uuid.UUID) (*model.RoomKeyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[roomSession{roomID, sessionID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return copyRecord(r), nil
}

// RecordRoomKey implements repository.KeyShareLedger.
func (l *Ledger) RecordRoomKey(_ context.Context, rec *model.RoomKeyRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[roomSession{rec.RoomID, rec.SessionID}] = *copyRecord(*rec)
	return nil
}

// RecordAccountKeyShare implements repository.KeyShareLedger.
func (l *Ledger) RecordAccountKeyShare(_ context.Context, userID uuid.UUID, share model.AccountKeyShare) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := userSession{userID, share.SessionID}
	if _, ok := l.shares[k]; ok {
		return errs.ErrAlreadyExists
	}
	l.shares[k] = &shareEntry{share: share}
	l.order[userID] = append(l.order[userID], share.SessionID)
	return nil
}

// AccountKeyShare implements repository.KeyShareLedger.
func (l *Ledger) AccountKeyShare(_ context.Context, userID, sessionID uuid.UUID) (*model.AccountKeyShare, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.shares[userSession{userID, sessionID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	s := e.share
	return &s, nil
}

// MarkDelivered implements repository.KeyShareLedger.
func (l *Ledger) MarkDelivered(_ context.Context, userID, sessionID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.shares[userSession{userID, sessionID}]
	if !ok {
		return errs.ErrNotFound
	}
	e.delivered = true
	return nil
}

// PendingSessions implements repository.KeyShareLedger.
func (l *Ledger) PendingSessions(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []uuid.UUID{}
	for _, sid := range l.order[userID] {
		if !l.shares[userSession{userID, sid}].delivered {
			out = append(out, sid)
		}
	}
	return out, nil
}

// Migrations is a MigrationStore held in memory.
type Migrations struct {
	mu   sync.Mutex
	byID map[uuid.UUID]model.Migration
}

// NewMigrations returns an empty store.
func NewMigrations() *Migrations {
	return &Migrations{byID: map[uuid.UUID]model.Migration{}}
}

// Get implements repository.MigrationStore.
func (s *Migrations) Get(_ context.Context, id uuid.UUID) (*model.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &m, nil
}

// Create implements repository.MigrationStore.
func (s *Migrations) Create(_ context.Context, m *model.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return errs.ErrAlreadyExists
	}
	s.byID[m.ID] = *m
	return nil
}

// Update implements repository.MigrationStore.
func (s *Migrations) Update(_ context.Context, m *model.Migration, expected model.MigrationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[m.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if cur.State != expected {
		return errs.ErrVersionConflict
	}
	s.byID[m.ID] = *m
	return nil
}

// Delete implements repository.MigrationStore.
func (s *Migrations) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return errs.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

// DeleteStale implements repository.MigrationReaper.
func (s *Migrations) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.byID {
		if m.UpdatedAt.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// Sessions is a SessionRegistry held in memory.
type Sessions struct {
	mu   sync.Mutex
	byID map[uuid.UUID]model.Session
}

// NewSessions returns an empty registry.
func NewSessions() *Sessions {
	return &Sessions{byID: map[uuid.UUID]model.Session{}}
}

// Get implements repository.SessionRegistry.
func (s *Sessions) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &v, nil
}

// Create implements repository.SessionRegistry.
func (s *Sessions) Create(_ context.Context, v *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[v.ID]; ok {
		return errs.ErrAlreadyExists
	}
	s.byID[v.ID] = *v
	return nil
}

// SetState implements repository.SessionRegistry.
func (s *Sessions) SetState(_ context.Context, id uuid.UUID, state model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	v.State = state
	s.byID[id] = v
	return nil
}

// ListByUser implements repository.SessionRegistry. Oldest first.
func (s *Sessions) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Session{}
	for _, v := range s.byID {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b model.Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

type keyID struct {
	owner uuid.UUID
	kind  model.KeyKind
	hash  string
}

// Keys is a KeyRepository held in memory.
type Keys struct {
	mu   sync.Mutex
	recs []model.KeyRecord
	seen map[keyID]int
}

// NewKeys returns an empty key directory store.
func NewKeys() *Keys {
	return &Keys{seen: map[keyID]int{}}
}

// Put implements repository.KeyRepository.
func (k *Keys) Put(_ context.Context, rec *model.KeyRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := keyID{rec.Owner, rec.Kind, rec.Hash}
	if _, ok := k.seen[id]; ok {
		return errs.ErrAlreadyExists
	}
	k.seen[id] = len(k.recs)
	r := *rec
	r.Body = slices.Clone(rec.Body)
	k.recs = append(k.recs, r)
	return nil
}

// Get implements repository.KeyRepository.
func (k *Keys) Get(_ context.Context, owner uuid.UUID, kind model.KeyKind, hash string) (*model.KeyRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	i, ok := k.seen[keyID{owner, kind, hash}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	r := k.recs[i]
	return &r, nil
}

// Find implements repository.KeyRepository.
func (k *Keys) Find(_ context.Context, q model.KeyQuery) ([]model.KeyRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := []model.KeyRecord{}
	for i := len(k.recs) - 1; i >= 0; i-- {
		r := k.recs[i]
		if q.Owner != uuid.Nil && r.Owner != q.Owner {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if q.Hash != "" && r.Hash != q.Hash {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
