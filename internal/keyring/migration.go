package keyring

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// NewMigrationRequest creates the ephemeral key a new device registers when it
// asks to be migrated. The private half never leaves the device.
func NewMigrationRequest(f *crypto.Forge) (*model.MigrateKey, error) {
	return f.NewMigrateKey()
}

// PrepareAccept creates the one-shot key an enrolled device signs its export with.
func PrepareAccept(f *crypto.Forge) (*model.MigrateDataSignKey, error) {
	return f.NewMigrateDataSignKey()
}

// SealExport encrypts exp to the requester's migrate key and signs the result.
func SealExport(env *crypto.Envelope, signKey *model.MigrateDataSignKey, to *model.MigrateKeyPub, exp *model.KeyExport) (model.MigrationData, error) {
	raw, err := json.Marshal(exp)
	if err != nil {
		return model.MigrationData{}, err
	}
	ed, err := env.SealToMigrate(to, raw)
	if err != nil {
		return model.MigrationData{}, err
	}
	sig, err := crypto.Sign(signKey, crypto.MigrationExportPayload(ed))
	if err != nil {
		return model.MigrationData{}, err
	}
	return model.MigrationData{Export: ed, Sign: sig}, nil
}

// OpenExport verifies and decrypts the export of a sent migration with the
// requester's migrate key.
func OpenExport(m *model.Migration, key *model.MigrateKey) (*model.KeyExport, error) {
	if m.State != model.MigrationSent || m.Data == nil || m.DataSignKey == nil {
		return nil, fmt.Errorf("%w: migration is %s", errs.ErrProtocolStateViolation, m.State)
	}
	if m.MigrateKey.HashHex != key.HashHex {
		return nil, fmt.Errorf("%w: migration was requested with another key", errs.ErrValidation)
	}
	if !crypto.Verify(m.DataSignKey, crypto.MigrationExportPayload(m.Data.Export), m.Data.Sign) {
		return nil, fmt.Errorf("%w: migration export", errs.ErrSignatureInvalid)
	}
	raw, err := crypto.OpenWithMigrate(key, m.Data.Export)
	if err != nil {
		return nil, err
	}
	exp := new(model.KeyExport)
	if err := json.Unmarshal(raw, exp); err != nil {
		return nil, fmt.Errorf("%w: export body", errs.ErrDecryptionFailed)
	}
	if exp.UserID != m.RequesterUser {
		return nil, fmt.Errorf("%w: export belongs to another user", errs.ErrValidation)
	}
	if err := crypto.VerifyMasterKey(&exp.Master.MasterKeyPub); err != nil {
		return nil, err
	}
	return exp, nil
}
