// Package service contains the stateful key-hierarchy services. They validate
// input, apply the protocol rules and delegate storage to repositories.
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

// Room key defaults.
const (
	DefaultReuseWindow     = 10 * time.Minute
	DefaultRoomKeyLifetime = 30 * 24 * time.Hour
)

// Recipient is a user a room key is shared with, addressed by their account key.
// The account key must chain to Master, through Issuer when an identity key
// signed it. Master is trusted as given.
type Recipient struct {
	UserID     uuid.UUID
	Master     *model.MasterKeyPub
	Issuer     *model.IdentityKeyPub
	AccountKey *model.AccountKeyPub
}

// IssueResult is the outcome of IssueOrReuse. Key is set only when a new room
// key was minted; on reuse the caller opens its own share from Record.
type IssueResult struct {
	Record *model.RoomKeyRecord
	Key    *model.RoomKey
	Reused bool
}

// RoomKeyManager keeps at most one current room key per (room, issuing session).
// The ledger read and write are not atomic: two issuers that both see a stale
// key may both mint, and the last write becomes current.
type RoomKeyManager struct {
	ledger      repository.KeyShareLedger
	forge       *crypto.Forge
	env         *crypto.Envelope
	log         *zap.Logger
	reuseWindow time.Duration
	lifetime    time.Duration
}

// RoomKeyOption configures a RoomKeyManager.
type RoomKeyOption func(*RoomKeyManager)

// WithRoomKeyLogger sets the logger (default no-op).
func WithRoomKeyLogger(l *zap.Logger) RoomKeyOption {
	return func(m *RoomKeyManager) { m.log = l }
}

// WithReuseWindow overrides DefaultReuseWindow.
func WithReuseWindow(d time.Duration) RoomKeyOption {
	return func(m *RoomKeyManager) { m.reuseWindow = d }
}

// WithRoomKeyLifetime overrides DefaultRoomKeyLifetime. Capped at crypto.MaxValidity by the forge.
func WithRoomKeyLifetime(d time.Duration) RoomKeyOption {
	return func(m *RoomKeyManager) { m.lifetime = d }
}

// NewRoomKeyManager constructs a RoomKeyManager.
func NewRoomKeyManager(ledger repository.KeyShareLedger, forge *crypto.Forge, opts ...RoomKeyOption) *RoomKeyManager {
	m := &RoomKeyManager{
		ledger:      ledger,
		forge:       forge,
		env:         forge.Envelope(),
		log:         zap.NewNop(),
		reuseWindow: DefaultReuseWindow,
		lifetime:    DefaultRoomKeyLifetime,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// validateRecipients checks every recipient against the room's participant set
// and verifies each account key before anything is sealed to it.
func validateRecipients(room model.Room, recipients []Recipient, now time.Time) error {
	members := make(map[uuid.UUID]struct{}, len(room.Participants))
	for _, p := range room.Participants {
		members[p] = struct{}{}
	}
	switch room.Type {
	case model.RoomDirect:
		if len(members) != 2 || len(room.Participants) != 2 {
			return fmt.Errorf("%w: direct room needs exactly two participants", errs.ErrUnauthorizedRecipient)
		}
	case model.RoomGroup:
	default:
		return fmt.Errorf("%w: room type %q", errs.ErrValidation, room.Type)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipients", errs.ErrValidation)
	}
	seen := make(map[uuid.UUID]struct{}, len(recipients))
	for i, r := range recipients {
		if _, ok := members[r.UserID]; !ok {
			return fmt.Errorf("%w: recipient[%d] not in room", errs.ErrUnauthorizedRecipient, i)
		}
		if _, dup := seen[r.UserID]; dup {
			return fmt.Errorf("%w: recipient[%d] duplicated", errs.ErrUnauthorizedRecipient, i)
		}
		seen[r.UserID] = struct{}{}
		if r.AccountKey == nil || r.AccountKey.KeyType != model.KindAccount {
			return fmt.Errorf("%w: recipient[%d] has no account key", errs.ErrValidation, i)
		}
		if err := crypto.VerifyAccountChain(r.Master, r.Issuer, r.AccountKey, now); err != nil {
			return fmt.Errorf("recipient[%d]: %w", i, err)
		}
	}
	return nil
}

// fresh reports whether rec can still be handed out at now.
func (m *RoomKeyManager) fresh(rec *model.RoomKeyRecord, now time.Time) bool {
	age := now.Sub(rec.Key.Timestamp)
	return age >= 0 && age < m.reuseWindow && now.Before(rec.Key.Expiry)
}

// IssueOrReuse returns the current room key of (room, identity's session),
// minting and recording a new one when there is none or it is older than the
// reuse window. The recipient set is validated on every call.
func (m *RoomKeyManager) IssueOrReuse(ctx context.Context, room model.Room, identity *model.IdentityKey, recipients []Recipient) (*IssueResult, error) {
	if room.ID == uuid.Nil || identity == nil || identity.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty room or issuing identity", errs.ErrValidation)
	}
	now := m.forge.Now()
	if err := validateRecipients(room, recipients, now); err != nil {
		return nil, err
	}
	log := m.log.With(zap.String("room", room.ID.String()), zap.String("session", identity.SessionID.String()))

	cur, err := m.ledger.LatestRoomKey(ctx, room.ID, identity.SessionID)
	switch {
	case err == nil:
		if m.fresh(cur, now) {
			log.Debug("room key reused", zap.String("fingerprint", cur.Key.HashHex))
			return &IssueResult{Record: cur, Reused: true}, nil
		}
	case errors.Is(err, errs.ErrNotFound):
	default:
		return nil, err
	}

	key, err := m.forge.NewRoomKey(identity, room.ID, m.lifetime)
	if err != nil {
		return nil, err
	}
	rec := &model.RoomKeyRecord{
		RoomID:    room.ID,
		SessionID: identity.SessionID,
		Key:       key.RoomKeyPub,
		Shares:    make([]model.RoomKeyShare, 0, len(recipients)),
		CreatedAt: now,
	}
	for _, r := range recipients {
		ed, err := m.env.SealToAccount(r.AccountKey, key.Private)
		if err != nil {
			return nil, fmt.Errorf("seal room key for %s: %w", r.UserID, err)
		}
		rec.Shares = append(rec.Shares, model.RoomKeyShare{UserID: r.UserID, EncryptedData: ed})
	}
	if err := m.ledger.RecordRoomKey(ctx, rec); err != nil {
		return nil, err
	}
	log.Info("room key issued", zap.String("fingerprint", key.HashHex), zap.Int("recipients", len(rec.Shares)))
	return &IssueResult{Record: rec, Key: key}, nil
}

// OpenShare recovers the room key in rec addressed to userID. The room key
// metadata must verify against the issuing identity and be valid now.
func (m *RoomKeyManager) OpenShare(rec *model.RoomKeyRecord, userID uuid.UUID, account *model.AccountKey, issuer *model.IdentityKeyPub) (*model.RoomKey, error) {
	if issuer.SessionID != rec.SessionID {
		return nil, fmt.Errorf("%w: room key issued by another session", errs.ErrSignatureInvalid)
	}
	if err := crypto.VerifyRoomKey(issuer, &rec.Key, m.forge.Now()); err != nil {
		return nil, err
	}
	share, ok := rec.ShareFor(userID)
	if !ok {
		return nil, fmt.Errorf("%w: no share for user", errs.ErrUnauthorizedRecipient)
	}
	secret, err := crypto.OpenWithAccount(account, share.EncryptedData)
	if err != nil {
		return nil, err
	}
	return crypto.RoomKeyFromSecret(rec.Key, secret)
}
