package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository"
)

// LedgerService is the server-side gate in front of the KeyShareLedger. It
// checks who may write what; the payloads themselves stay opaque ciphertext.
type LedgerService struct {
	ledger   repository.KeyShareLedger
	sessions repository.SessionRegistry
	clock    crypto.Clock
	log      *zap.Logger
}

// NewLedgerService constructs a LedgerService. A nil clock means the system
// clock, a nil logger a no-op one.
func NewLedgerService(ledger repository.KeyShareLedger, sessions repository.SessionRegistry, clock crypto.Clock, log *zap.Logger) *LedgerService {
	if clock == nil {
		clock = crypto.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerService{ledger: ledger, sessions: sessions, clock: clock, log: log}
}

func (s *LedgerService) ownSession(ctx context.Context, c model.Caller, sessionID uuid.UUID) (*model.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
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

// LatestRoomKey returns the current room key record of (room, session).
func (s *LedgerService) LatestRoomKey(ctx context.Context, _ model.Caller, roomID, sessionID uuid.UUID) (*model.RoomKeyRecord, error) {
	if roomID == uuid.Nil || sessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty room/session", errs.ErrValidation)
	}
	return s.ledger.LatestRoomKey(ctx, roomID, sessionID)
}

// RecordRoomKey stores a room key issued by the caller's own session.
func (s *LedgerService) RecordRoomKey(ctx context.Context, c model.Caller, rec *model.RoomKeyRecord) error {
	if rec.SessionID != c.SessionID {
		return errs.ErrUnauthorized
	}
	if rec.RoomID == uuid.Nil || rec.Key.RoomID != rec.RoomID || rec.Key.KeyType != model.KindRoom {
		return fmt.Errorf("%w: room key does not match record", errs.ErrValidation)
	}
	if len(rec.Shares) == 0 {
		return fmt.Errorf("%w: room key without shares", errs.ErrValidation)
	}
	if d := rec.Key.Expiry.Sub(rec.Key.Timestamp); d <= 0 || d > crypto.MaxValidity {
		return fmt.Errorf("%w: room key window %s", errs.ErrKeyExpired, d)
	}
	if err := s.ledger.RecordRoomKey(ctx, rec); err != nil {
		return err
	}
	s.log.Info("room key recorded",
		zap.String("room", rec.RoomID.String()),
		zap.String("session", rec.SessionID.String()),
		zap.String("fingerprint", rec.Key.HashHex),
	)
	return nil
}

// RecordAccountKeyShare stores a share for another session of the caller's
// user. Only a session already holding keys can hand them out.
func (s *LedgerService) RecordAccountKeyShare(ctx context.Context, c model.Caller, share model.AccountKeyShare) error {
	me, err := s.ownSession(ctx, c, c.SessionID)
	if err != nil {
		return err
	}
	if me.State != model.SessionEncrypted {
		return fmt.Errorf("%w: caller holds no account key", errs.ErrUnauthorized)
	}
	if _, err := s.ownSession(ctx, c, share.SessionID); err != nil {
		return err
	}
	if share.CipherText.KeyType != model.KindDevice {
		return fmt.Errorf("%w: share not sealed to a device key", errs.ErrValidation)
	}
	return s.ledger.RecordAccountKeyShare(ctx, c.UserID, share)
}

// AccountKeyShare returns the share addressed to the caller's session.
func (s *LedgerService) AccountKeyShare(ctx context.Context, c model.Caller) (*model.AccountKeyShare, error) {
	return s.ledger.AccountKeyShare(ctx, c.UserID, c.SessionID)
}

// MarkDelivered acknowledges the caller's share and promotes its session to encrypted.
func (s *LedgerService) MarkDelivered(ctx context.Context, c model.Caller) error {
	if _, err := s.ownSession(ctx, c, c.SessionID); err != nil {
		return err
	}
	if err := s.ledger.MarkDelivered(ctx, c.UserID, c.SessionID); err != nil {
		return err
	}
	return s.sessions.SetState(ctx, c.SessionID, model.SessionEncrypted)
}

// PendingSessions lists the caller's sessions with unacknowledged shares.
func (s *LedgerService) PendingSessions(ctx context.Context, c model.Caller) ([]uuid.UUID, error) {
	return s.ledger.PendingSessions(ctx, c.UserID)
}

// AwaitingShare lists the caller's pending sessions that have no share yet.
func (s *LedgerService) AwaitingShare(ctx context.Context, c model.Caller) ([]uuid.UUID, error) {
	all, err := s.sessions.ListByUser(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	out := []uuid.UUID{}
	for _, sess := range all {
		if sess.State != model.SessionPending {
			continue
		}
		_, err := s.ledger.AccountKeyShare(ctx, c.UserID, sess.ID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			out = append(out, sess.ID)
		case err != nil:
			return nil, err
		}
	}
	return out, nil
}

// RegisterSession creates a session for the caller. The first session of a
// user is the enrolling device and starts encrypted.
func (s *LedgerService) RegisterSession(ctx context.Context, c model.Caller, first bool) (*model.Session, error) {
	if c.UserID == uuid.Nil || c.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty user/session", errs.ErrValidation)
	}
	existing, err := s.sessions.ListByUser(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	state := model.SessionPending
	if first {
		if len(existing) > 0 {
			return nil, fmt.Errorf("%w: user already enrolled", errs.ErrAlreadyExists)
		}
		state = model.SessionEncrypted
	}
	sess := &model.Session{ID: c.SessionID, UserID: c.UserID, State: state, CreatedAt: s.clock.Now().UTC()}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("session registered", zap.String("session", sess.ID.String()), zap.String("state", string(state)))
	return sess, nil
}
