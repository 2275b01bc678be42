package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

var kemScheme = mlkem768.Scheme()

// Forge issues every key kind with the algorithm appropriate to its role and
// signs it into the hierarchy. It is safe for concurrent use if its random
// source is.
type Forge struct {
	rand  io.Reader
	clock Clock
}

// Option configures a Forge.
type Option func(*Forge)

// WithRand sets the random source (default crypto/rand.Reader).
func WithRand(r io.Reader) Option {
	return func(f *Forge) {
		f.rand = r
	}
}

// WithClock sets the clock used for issuance timestamps (default SystemClock).
func WithClock(c Clock) Option {
	return func(f *Forge) {
		f.clock = c
	}
}

// NewForge constructs a Forge.
func NewForge(opts ...Option) *Forge {
	f := &Forge{rand: rand.Reader, clock: SystemClock{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Now returns the forge clock's time normalised for signing.
func (f *Forge) Now() time.Time { return stamp(f.clock.Now()) }

// Envelope returns an envelope cipher sharing this forge's random source.
func (f *Forge) Envelope() *Envelope { return NewEnvelope(f.rand) }

func (f *Forge) read(n int) ([]byte, error) {
	return readRandom(f.rand, n)
}

func readRandom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEntropy, err)
	}
	return b, nil
}

func (f *Forge) signKeypair() (pub, priv []byte, err error) {
	seed, err := f.read(SignSeedSize)
	if err != nil {
		return nil, nil, err
	}
	pk, sk := signScheme.DeriveKey(seed)
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func (f *Forge) kemKeypair() (pub, priv []byte, err error) {
	seed, err := f.read(KEMSeedSize)
	if err != nil {
		return nil, nil, err
	}
	pk, sk := kemScheme.DeriveKeyPair(seed)
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func newPublic(kind model.KeyKind, key []byte, issuedAt time.Time) model.PublicKey {
	return model.PublicKey{
		Key:       key,
		KeyType:   kind,
		HashHex:   Fingerprint(key),
		Timestamp: issuedAt,
		Version:   model.CurrentVersion,
	}
}

// signPublic fills the content and timestamp signatures of p.
func signPublic(issuer model.SignatureKey, p *model.PublicKey, sessionID uuid.UUID) error {
	s, err := Sign(issuer, keyPayload(p.KeyType, p.Key, sessionID))
	if err != nil {
		return err
	}
	ts, err := Sign(issuer, timestampPayload(p.HashHex, p.Timestamp))
	if err != nil {
		return err
	}
	p.Sign, p.TimestampSign = &s, &ts
	return nil
}

func signValidity(issuer model.SignatureKey, issuedAt time.Time, lifetime time.Duration) (model.Validity, error) {
	expiry := issuedAt.Add(lifetime)
	s, err := SignTimestampPair(issuer, issuedAt, expiry)
	if err != nil {
		return model.Validity{}, err
	}
	return model.Validity{Expiry: expiry, ExpirySign: s}, nil
}

// NewMasterKey creates the root signature key. It self-signs its issuance timestamp.
func (f *Forge) NewMasterKey() (*model.MasterKey, error) {
	pub, priv, err := f.signKeypair()
	if err != nil {
		return nil, err
	}
	k := &model.MasterKey{
		MasterKeyPub: model.MasterKeyPub{PublicKey: newPublic(model.KindMaster, pub, f.Now())},
		Private:      priv,
	}
	ts, err := Sign(k, timestampPayload(k.HashHex, k.Timestamp))
	if err != nil {
		return nil, err
	}
	k.TimestampSign = &ts
	return k, nil
}

// NewIdentityKey issues a per-device signing key valid for lifetime.
func (f *Forge) NewIdentityKey(master *model.MasterKey, sessionID uuid.UUID, lifetime time.Duration) (*model.IdentityKey, error) {
	if err := checkLifetime(lifetime); err != nil {
		return nil, err
	}
	pub, priv, err := f.signKeypair()
	if err != nil {
		return nil, err
	}
	k := &model.IdentityKey{
		IdentityKeyPub: model.IdentityKeyPub{
			PublicKey: newPublic(model.KindIdentity, pub, f.Now()),
			SessionID: sessionID,
		},
		Private: priv,
	}
	if err := signPublic(master, &k.PublicKey, sessionID); err != nil {
		return nil, err
	}
	if k.Validity, err = signValidity(master, k.Timestamp, lifetime); err != nil {
		return nil, err
	}
	return k, nil
}

// NewAccountKey issues the account KEM key. The issuer is the master key during
// first setup and an identity key afterwards.
func (f *Forge) NewAccountKey(issuer model.SignatureKey) (*model.AccountKey, error) {
	if r := issuer.Role(); r != model.RoleMaster && r != model.RoleIdentity {
		return nil, fmt.Errorf("%w: account key cannot be issued by %s", errs.ErrValidation, r)
	}
	pub, priv, err := f.kemKeypair()
	if err != nil {
		return nil, err
	}
	k := &model.AccountKey{
		AccountKeyPub: model.AccountKeyPub{PublicKey: newPublic(model.KindAccount, pub, f.Now())},
		Private:       priv,
	}
	if err := signPublic(issuer, &k.PublicKey, uuid.Nil); err != nil {
		return nil, err
	}
	return k, nil
}

// NewDeviceKey issues the KEM key addressing one device.
func (f *Forge) NewDeviceKey(master *model.MasterKey, sessionID uuid.UUID) (*model.DeviceKey, error) {
	pub, priv, err := f.kemKeypair()
	if err != nil {
		return nil, err
	}
	k := &model.DeviceKey{
		DeviceKeyPub: model.DeviceKeyPub{
			PublicKey: newPublic(model.KindDevice, pub, f.Now()),
			SessionID: sessionID,
		},
		Private: priv,
	}
	if err := signPublic(master, &k.PublicKey, sessionID); err != nil {
		return nil, err
	}
	return k, nil
}

// NewShareKey issues the cross-user sharing KEM key valid for lifetime.
func (f *Forge) NewShareKey(master *model.MasterKey, lifetime time.Duration) (*model.ShareKey, error) {
	if err := checkLifetime(lifetime); err != nil {
		return nil, err
	}
	pub, priv, err := f.kemKeypair()
	if err != nil {
		return nil, err
	}
	k := &model.ShareKey{
		ShareKeyPub: model.ShareKeyPub{PublicKey: newPublic(model.KindShare, pub, f.Now())},
		Private:     priv,
	}
	if err := signPublic(master, &k.PublicKey, uuid.Nil); err != nil {
		return nil, err
	}
	if k.Validity, err = signValidity(master, k.Timestamp, lifetime); err != nil {
		return nil, err
	}
	return k, nil
}

// NewRoomKey mints an AES-256-GCM room key signed by the issuing device's identity key.
func (f *Forge) NewRoomKey(identity *model.IdentityKey, roomID uuid.UUID, lifetime time.Duration) (*model.RoomKey, error) {
	if err := checkLifetime(lifetime); err != nil {
		return nil, err
	}
	secret, err := f.read(AESKeySize)
	if err != nil {
		return nil, err
	}
	id, err := RoomKeyID(secret)
	if err != nil {
		return nil, err
	}
	k := &model.RoomKey{
		RoomKeyPub: model.RoomKeyPub{
			RoomID:    roomID,
			KeyType:   model.KindRoom,
			HashHex:   id,
			Timestamp: f.Now(),
			Version:   model.CurrentVersion,
		},
		Private: secret,
	}
	if k.Sign, err = Sign(identity, roomKeyPayload(roomID, k.HashHex)); err != nil {
		return nil, err
	}
	if k.Validity, err = signValidity(identity, k.Timestamp, lifetime); err != nil {
		return nil, err
	}
	return k, nil
}

// NewMigrateKey creates the ephemeral KEM key of a device waiting to be migrated.
func (f *Forge) NewMigrateKey() (*model.MigrateKey, error) {
	pub, priv, err := f.kemKeypair()
	if err != nil {
		return nil, err
	}
	return &model.MigrateKey{
		MigrateKeyPub: model.MigrateKeyPub{PublicKey: newPublic(model.KindMigrate, pub, f.Now())},
		Private:       priv,
	}, nil
}

// NewMigrateDataSignKey creates the ephemeral key that signs one migration export.
func (f *Forge) NewMigrateDataSignKey() (*model.MigrateDataSignKey, error) {
	pub, priv, err := f.signKeypair()
	if err != nil {
		return nil, err
	}
	return &model.MigrateDataSignKey{
		MigrateDataSignKeyPub: model.MigrateDataSignKeyPub{PublicKey: newPublic(model.KindMigrateDataSign, pub, f.Now())},
		Private:               priv,
	}, nil
}
