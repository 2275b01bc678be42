package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository"
)

// AccountKeys fans the account private key out to a user's devices, one
// device-sealed copy per session. It runs on devices; the ledger is usually
// the remote one.
type AccountKeys struct {
	ledger repository.KeyShareLedger
	env    *crypto.Envelope
	clock  crypto.Clock
	log    *zap.Logger
}

// NewAccountKeys constructs AccountKeys. A nil clock means the system clock,
// a nil logger a no-op one.
func NewAccountKeys(ledger repository.KeyShareLedger, env *crypto.Envelope, clock crypto.Clock, log *zap.Logger) *AccountKeys {
	if clock == nil {
		clock = crypto.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AccountKeys{ledger: ledger, env: env, clock: clock, log: log}
}

func (a *AccountKeys) now() time.Time { return a.clock.Now().UTC() }

// ShareTo seals account to a device after checking the device key was issued
// by master. A session that already has a share is errs.ErrAlreadyExists.
func (a *AccountKeys) ShareTo(ctx context.Context, userID uuid.UUID, account *model.AccountKey, master *model.MasterKeyPub, device *model.DeviceKeyPub) error {
	if userID == uuid.Nil || device.SessionID == uuid.Nil {
		return fmt.Errorf("%w: empty user or session", errs.ErrValidation)
	}
	if err := crypto.VerifyDeviceKey(master, device); err != nil {
		return err
	}
	ct, err := a.env.SealToDevice(device, account.Private)
	if err != nil {
		return err
	}
	share := model.AccountKeyShare{SessionID: device.SessionID, CipherText: ct}
	if err := a.ledger.RecordAccountKeyShare(ctx, userID, share); err != nil {
		return err
	}
	a.log.Info("account key shared",
		zap.String("session", device.SessionID.String()),
		zap.String("account", account.HashHex),
		zap.String("device", device.HashHex),
	)
	return nil
}

// Receive fetches this device's share, opens it and acknowledges delivery.
// pub must chain to the device's own master, through issuer when an identity
// key signed it, and the opened key must match pub.
func (a *AccountKeys) Receive(ctx context.Context, userID uuid.UUID, device *model.DeviceKey, master *model.MasterKeyPub, issuer *model.IdentityKeyPub, pub model.AccountKeyPub) (*model.AccountKey, error) {
	pub.Shares, pub.DeliveredSessions = nil, nil
	if err := crypto.VerifyAccountChain(master, issuer, &pub, a.now()); err != nil {
		return nil, err
	}
	share, err := a.ledger.AccountKeyShare(ctx, userID, device.SessionID)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.OpenWithDevice(device, share.CipherText)
	if err != nil {
		return nil, err
	}
	key, err := crypto.AccountKeyFromPrivate(pub, priv)
	if err != nil {
		return nil, err
	}
	if err := a.ledger.MarkDelivered(ctx, userID, device.SessionID); err != nil {
		return nil, err
	}
	a.log.Info("account key received", zap.String("session", device.SessionID.String()))
	return key, nil
}

// Pending lists sessions whose share is recorded but not yet acknowledged.
func (a *AccountKeys) Pending(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return a.ledger.PendingSessions(ctx, userID)
}
