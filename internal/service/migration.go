package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository"
)

// MigrationService runs the server side of the device-migration handshake:
// requested -> accepted -> sent. Every step re-reads the record, checks state
// and caller, then writes with a compare-and-set on the previous state.
type MigrationService struct {
	store    repository.MigrationStore
	sessions repository.SessionRegistry
	clock    crypto.Clock
	log      *zap.Logger
}

// NewMigrationService constructs a MigrationService. A nil clock means the
// system clock, a nil logger a no-op one.
func NewMigrationService(store repository.MigrationStore, sessions repository.SessionRegistry, clock crypto.Clock, log *zap.Logger) *MigrationService {
	if clock == nil {
		clock = crypto.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MigrationService{store: store, sessions: sessions, clock: clock, log: log}
}

func (s *MigrationService) now() time.Time { return s.clock.Now().UTC() }

// callerSession loads the caller's session and checks it belongs to the caller.
func (s *MigrationService) callerSession(ctx context.Context, c model.Caller) (*model.Session, error) {
	if c.UserID == uuid.Nil || c.SessionID == uuid.Nil {
		return nil, errs.ErrUnauthorized
	}
	sess, err := s.sessions.Get(ctx, c.SessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnauthorized
		}
		return nil, err
	}
	if sess.UserID != c.UserID {
		return nil, errs.ErrUnauthorized
	}
	return sess, nil
}

func checkEphemeral(p model.PublicKey, kind model.KeyKind) error {
	if p.KeyType != kind || len(p.Key) == 0 || crypto.Fingerprint(p.Key) != p.HashHex {
		return fmt.Errorf("%w: malformed %s key", errs.ErrValidation, kind)
	}
	return nil
}

// update writes m if the stored state is still expected; a lost race is a
// protocol violation for the loser.
func (s *MigrationService) update(ctx context.Context, m *model.Migration, expected model.MigrationState) error {
	err := s.store.Update(ctx, m, expected)
	if errors.Is(err, errs.ErrVersionConflict) {
		return fmt.Errorf("%w: migration %s no longer %s", errs.ErrProtocolStateViolation, m.ID, expected)
	}
	return err
}

// Request registers a new handshake for a device that holds no keys yet.
func (s *MigrationService) Request(ctx context.Context, c model.Caller, migrateKey model.MigrateKeyPub) (*model.Migration, error) {
	sess, err := s.callerSession(ctx, c)
	if err != nil {
		return nil, err
	}
	if sess.State != model.SessionPending {
		return nil, fmt.Errorf("%w: session already holds keys", errs.ErrProtocolStateViolation)
	}
	if err := checkEphemeral(migrateKey.PublicKey, model.KindMigrate); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now()
	m := &model.Migration{
		ID:               id,
		State:            model.MigrationRequested,
		RequesterUser:    c.UserID,
		RequesterSession: c.SessionID,
		MigrateKey:       migrateKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	s.log.Info("migration requested", zap.String("migration", id.String()), zap.String("session", c.SessionID.String()))
	return m, nil
}

// Accept records the accepter's data-signing key. Only an encrypted session of
// the same user may accept, and only once.
func (s *MigrationService) Accept(ctx context.Context, c model.Caller, id uuid.UUID, signKey model.MigrateDataSignKeyPub) (*model.Migration, error) {
	sess, err := s.callerSession(ctx, c)
	if err != nil {
		return nil, err
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.RequesterUser != c.UserID || m.RequesterSession == c.SessionID {
		return nil, errs.ErrUnauthorized
	}
	if m.State != model.MigrationRequested {
		return nil, fmt.Errorf("%w: accept in state %s", errs.ErrProtocolStateViolation, m.State)
	}
	if sess.State != model.SessionEncrypted {
		return nil, fmt.Errorf("%w: accepter holds no keys", errs.ErrUnauthorized)
	}
	if err := checkEphemeral(signKey.PublicKey, model.KindMigrateDataSign); err != nil {
		return nil, err
	}
	m.State = model.MigrationAccepted
	m.AccepterSession = c.SessionID
	m.DataSignKey = &signKey
	m.UpdatedAt = s.now()
	if err := s.update(ctx, m, model.MigrationRequested); err != nil {
		return nil, err
	}
	s.log.Info("migration accepted", zap.String("migration", id.String()), zap.String("accepter", c.SessionID.String()))
	return m, nil
}

// SendData stores the sealed export. Only the recorded accepter may send, once,
// and the export must be signed by the key it registered on accept.
func (s *MigrationService) SendData(ctx context.Context, c model.Caller, id uuid.UUID, data model.MigrationData) (*model.Migration, error) {
	if _, err := s.callerSession(ctx, c); err != nil {
		return nil, err
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != model.MigrationAccepted || m.DataSignKey == nil {
		return nil, fmt.Errorf("%w: send in state %s", errs.ErrProtocolStateViolation, m.State)
	}
	if c.SessionID != m.AccepterSession {
		return nil, errs.ErrUnauthorized
	}
	if data.Export.KeyType != model.KindMigrate || data.Export.EncryptedKeyHashHex != m.MigrateKey.HashHex {
		return nil, fmt.Errorf("%w: export not sealed to this migration", errs.ErrValidation)
	}
	if !crypto.Verify(m.DataSignKey, crypto.MigrationExportPayload(data.Export), data.Sign) {
		return nil, fmt.Errorf("%w: migration export", errs.ErrSignatureInvalid)
	}
	m.State = model.MigrationSent
	m.Data = &data
	m.UpdatedAt = s.now()
	if err := s.update(ctx, m, model.MigrationAccepted); err != nil {
		return nil, err
	}
	s.log.Info("migration data sent", zap.String("migration", id.String()))
	return m, nil
}

// Fetch returns the record to its requester, who polls it until data arrives.
func (s *MigrationService) Fetch(ctx context.Context, c model.Caller, id uuid.UUID) (*model.Migration, error) {
	if _, err := s.callerSession(ctx, c); err != nil {
		return nil, err
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.SessionID != m.RequesterSession && c.SessionID != m.AccepterSession {
		return nil, errs.ErrUnauthorized
	}
	return m, nil
}

// Complete discards a delivered migration and marks the requester session as
// holding keys.
func (s *MigrationService) Complete(ctx context.Context, c model.Caller, id uuid.UUID) error {
	if _, err := s.callerSession(ctx, c); err != nil {
		return err
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.SessionID != m.RequesterSession {
		return errs.ErrUnauthorized
	}
	if m.State != model.MigrationSent {
		return fmt.Errorf("%w: complete in state %s", errs.ErrProtocolStateViolation, m.State)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.sessions.SetState(ctx, c.SessionID, model.SessionEncrypted); err != nil {
		return err
	}
	s.log.Info("migration completed", zap.String("migration", id.String()))
	return nil
}
