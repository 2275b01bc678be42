// Package keyring holds the key material of one device and the device-side
// steps of enrollment and migration.
package keyring

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// Default lifetimes of the expiring per-device keys.
const (
	DefaultIdentityLifetime = crypto.MaxValidity
	DefaultShareLifetime    = crypto.MaxValidity
)

// Keyring is everything one device holds.
type Keyring struct {
	UserID    uuid.UUID          `json:"userId"`
	SessionID uuid.UUID          `json:"sessionId"`
	Master    *model.MasterKey   `json:"master"`
	Identity  *model.IdentityKey `json:"identity"`
	Account   *model.AccountKey  `json:"account"`
	Device    *model.DeviceKey   `json:"device"`
	Share     *model.ShareKey    `json:"share,omitempty"`
}

// Published is one public key ready for the key directory.
type Published struct {
	Kind model.KeyKind
	Body json.RawMessage
}

// Enroll creates the complete key set of a user's first device. The account
// key is issued by the master key.
func Enroll(f *crypto.Forge, userID, sessionID uuid.UUID) (*Keyring, error) {
	if userID == uuid.Nil || sessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty user/session", errs.ErrValidation)
	}
	master, err := f.NewMasterKey()
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	account, err := f.NewAccountKey(master)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	share, err := f.NewShareKey(master, DefaultShareLifetime)
	if err != nil {
		return nil, fmt.Errorf("share key: %w", err)
	}
	kr := &Keyring{UserID: userID, SessionID: sessionID, Master: master, Account: account, Share: share}
	if err := kr.issueDeviceKeys(f); err != nil {
		return nil, err
	}
	return kr, nil
}

// IssueDeviceKeys builds the keyring of a migrated device from an export:
// the imported master issues fresh identity and device keys for sessionID.
func IssueDeviceKeys(f *crypto.Forge, exp *model.KeyExport, sessionID uuid.UUID) (*Keyring, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty session", errs.ErrValidation)
	}
	if err := crypto.VerifyMasterKey(&exp.Master.MasterKeyPub); err != nil {
		return nil, fmt.Errorf("imported master: %w", err)
	}
	master, account := exp.Master, exp.Account
	kr := &Keyring{UserID: exp.UserID, SessionID: sessionID, Master: &master, Account: &account, Share: exp.Share}
	if err := kr.issueDeviceKeys(f); err != nil {
		return nil, err
	}
	return kr, nil
}

func (k *Keyring) issueDeviceKeys(f *crypto.Forge) error {
	var err error
	if k.Identity, err = f.NewIdentityKey(k.Master, k.SessionID, DefaultIdentityLifetime); err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	if k.Device, err = f.NewDeviceKey(k.Master, k.SessionID); err != nil {
		return fmt.Errorf("device key: %w", err)
	}
	return nil
}

// Export returns the material a migrating device needs. Identity and device
// keys stay behind: they are bound to this session.
func (k *Keyring) Export(at time.Time) *model.KeyExport {
	return &model.KeyExport{
		UserID:     k.UserID,
		Master:     *k.Master,
		Account:    *k.Account,
		Share:      k.Share,
		ExportedAt: at.UTC(),
		Version:    model.CurrentVersion,
	}
}

// Public returns the public keys of the ring in publishing order, master first.
func (k *Keyring) Public() ([]Published, error) {
	type body struct {
		kind model.KeyKind
		v    any
	}
	bodies := []body{
		{model.KindMaster, k.Master.MasterKeyPub},
		{model.KindIdentity, k.Identity.IdentityKeyPub},
		{model.KindDevice, k.Device.DeviceKeyPub},
		{model.KindAccount, k.Account.AccountKeyPub},
	}
	if k.Share != nil {
		bodies = append(bodies, body{model.KindShare, k.Share.ShareKeyPub})
	}
	out := make([]Published, 0, len(bodies))
	for _, b := range bodies {
		raw, err := json.Marshal(b.v)
		if err != nil {
			return nil, err
		}
		out = append(out, Published{Kind: b.kind, Body: raw})
	}
	return out, nil
}

// Caller returns the identity this device acts as.
func (k *Keyring) Caller() model.Caller {
	return model.Caller{UserID: k.UserID, SessionID: k.SessionID}
}
