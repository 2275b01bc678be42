package service

import (
	"context"
	"encoding/json"
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

// KeyDirectory publishes users' public keys. A key is stored only after its
// chain verifies against the owner's published master key.
type KeyDirectory struct {
	keys  repository.KeyRepository
	clock crypto.Clock
	log   *zap.Logger
}

// NewKeyDirectory constructs a KeyDirectory.
func NewKeyDirectory(keys repository.KeyRepository, clock crypto.Clock, log *zap.Logger) *KeyDirectory {
	if clock == nil {
		clock = crypto.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyDirectory{keys: keys, clock: clock, log: log}
}

func decode[T any](body []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("%w: decode key: %v", errs.ErrValidation, err)
	}
	return v, nil
}

func (d *KeyDirectory) latest(ctx context.Context, owner uuid.UUID, kind model.KeyKind) (*model.KeyRecord, error) {
	recs, err := d.keys.Find(ctx, model.KeyQuery{Owner: owner, Kind: kind})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errs.ErrNotFound
	}
	return &recs[0], nil
}

// Master returns the owner's verified master key.
func (d *KeyDirectory) Master(ctx context.Context, owner uuid.UUID) (*model.MasterKeyPub, error) {
	rec, err := d.latest(ctx, owner, model.KindMaster)
	if err != nil {
		return nil, err
	}
	m, err := decode[model.MasterKeyPub](rec.Body)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyMasterKey(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Identity returns one of the owner's identity keys, verified and valid now.
func (d *KeyDirectory) Identity(ctx context.Context, owner uuid.UUID, hash string) (*model.IdentityKeyPub, error) {
	master, err := d.Master(ctx, owner)
	if err != nil {
		return nil, err
	}
	rec, err := d.keys.Get(ctx, owner, model.KindIdentity, hash)
	if err != nil {
		return nil, err
	}
	id, err := decode[model.IdentityKeyPub](rec.Body)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyIdentityKey(master, id, d.clock.Now()); err != nil {
		return nil, err
	}
	return id, nil
}

// AccountKey returns the owner's newest account key.
func (d *KeyDirectory) AccountKey(ctx context.Context, owner uuid.UUID) (*model.AccountKeyPub, error) {
	rec, err := d.latest(ctx, owner, model.KindAccount)
	if err != nil {
		return nil, err
	}
	return decode[model.AccountKeyPub](rec.Body)
}

// verifyAccount checks an account key against whichever key signed it.
func (d *KeyDirectory) verifyAccount(ctx context.Context, owner uuid.UUID, master *model.MasterKeyPub, pub *model.AccountKeyPub) error {
	var issuer *model.IdentityKeyPub
	if pub.Sign != nil && pub.Sign.Type == model.RoleIdentity {
		id, err := d.Identity(ctx, owner, pub.Sign.HashedPublicKeyHex)
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: issuing identity not published", errs.ErrSignatureInvalid)
		}
		if err != nil {
			return err
		}
		issuer = id
	}
	return crypto.VerifyAccountChain(master, issuer, pub, d.clock.Now())
}

// Publish verifies and stores a public key owned by the caller. Per-device
// kinds must name the caller's session.
func (d *KeyDirectory) Publish(ctx context.Context, c model.Caller, kind model.KeyKind, body json.RawMessage) (*model.KeyRecord, error) {
	if c.UserID == uuid.Nil {
		return nil, errs.ErrUnauthorized
	}
	now := d.clock.Now()
	var (
		pub  any
		hash string
	)
	if kind == model.KindMaster {
		m, err := decode[model.MasterKeyPub](body)
		if err != nil {
			return nil, err
		}
		if err := crypto.VerifyMasterKey(m); err != nil {
			return nil, err
		}
		if _, err := d.latest(ctx, c.UserID, model.KindMaster); err == nil {
			return nil, fmt.Errorf("%w: master key already published", errs.ErrAlreadyExists)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		pub, hash = m, m.HashHex
	} else {
		master, err := d.Master(ctx, c.UserID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: publish the master key first", errs.ErrSignatureInvalid)
		}
		if err != nil {
			return nil, err
		}
		switch kind {
		case model.KindIdentity:
			k, err := decode[model.IdentityKeyPub](body)
			if err != nil {
				return nil, err
			}
			if k.SessionID != c.SessionID {
				return nil, errs.ErrUnauthorized
			}
			if err := crypto.VerifyIdentityKey(master, k, now); err != nil {
				return nil, err
			}
			pub, hash = k, k.HashHex
		case model.KindDevice:
			k, err := decode[model.DeviceKeyPub](body)
			if err != nil {
				return nil, err
			}
			if k.SessionID != c.SessionID {
				return nil, errs.ErrUnauthorized
			}
			if err := crypto.VerifyDeviceKey(master, k); err != nil {
				return nil, err
			}
			pub, hash = k, k.HashHex
		case model.KindShare:
			k, err := decode[model.ShareKeyPub](body)
			if err != nil {
				return nil, err
			}
			if err := crypto.VerifyShareKey(master, k, now); err != nil {
				return nil, err
			}
			pub, hash = k, k.HashHex
		case model.KindAccount:
			k, err := decode[model.AccountKeyPub](body)
			if err != nil {
				return nil, err
			}
			k.Shares, k.DeliveredSessions = nil, nil
			if err := d.verifyAccount(ctx, c.UserID, master, k); err != nil {
				return nil, err
			}
			pub, hash = k, k.HashHex
		default:
			return nil, fmt.Errorf("%w: %q keys are not published", errs.ErrValidation, kind)
		}
	}

	canon, err := json.Marshal(pub)
	if err != nil {
		return nil, err
	}
	rec := &model.KeyRecord{Owner: c.UserID, Kind: kind, Hash: hash, Body: canon, CreatedAt: now.UTC()}
	if err := d.keys.Put(ctx, rec); err != nil {
		return nil, err
	}
	d.log.Info("key published", zap.String("owner", c.UserID.String()), zap.String("kind", string(kind)), zap.String("fingerprint", hash))
	return rec, nil
}

// Get returns one published key.
func (d *KeyDirectory) Get(ctx context.Context, owner uuid.UUID, kind model.KeyKind, hash string) (*model.KeyRecord, error) {
	if owner == uuid.Nil || kind == "" || hash == "" {
		return nil, fmt.Errorf("%w: owner, kind and hash are required", errs.ErrValidation)
	}
	return d.keys.Get(ctx, owner, kind, hash)
}

// window is the part of an expiring key body needed to filter by validity.
type window struct {
	Timestamp time.Time `json:"timestamp"`
	Expiry    time.Time `json:"expiry"`
}

// Find returns keys matching q. When validAt is non-zero, keys whose stored
// window excludes it are dropped. Signatures are not rechecked here.
func (d *KeyDirectory) Find(ctx context.Context, q model.KeyQuery, validAt time.Time) ([]model.KeyRecord, error) {
	recs, err := d.keys.Find(ctx, q)
	if err != nil || validAt.IsZero() {
		return recs, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Kind == model.KindIdentity || r.Kind == model.KindShare {
			var w window
			if err := json.Unmarshal(r.Body, &w); err != nil {
				continue
			}
			if crypto.CheckWindow(validAt, w.Timestamp, w.Expiry) != nil {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}
