package crypto

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// The Verify*Key functions establish trust in a subordinate key. The issuer
// passed in must already be trusted by the caller. A key is untrusted if any of
// its signatures fails or its signed window does not contain now.

func checkPublic(p model.PublicKey, kind model.KeyKind) error {
	if p.KeyType != kind {
		return fmt.Errorf("%w: key type %q, want %q", errs.ErrSignatureInvalid, p.KeyType, kind)
	}
	if len(p.Key) == 0 || Fingerprint(p.Key) != p.HashHex {
		return fmt.Errorf("%w: %s fingerprint mismatch", errs.ErrSignatureInvalid, kind)
	}
	return nil
}

func verifyPublic(issuer model.VerificationKey, p model.PublicKey, sessionID uuid.UUID) error {
	if p.Sign == nil || !Verify(issuer, keyPayload(p.KeyType, p.Key, sessionID), *p.Sign) {
		return fmt.Errorf("%w: %s key", errs.ErrSignatureInvalid, p.KeyType)
	}
	if p.TimestampSign == nil || !Verify(issuer, timestampPayload(p.HashHex, p.Timestamp), *p.TimestampSign) {
		return fmt.Errorf("%w: %s timestamp", errs.ErrSignatureInvalid, p.KeyType)
	}
	return nil
}

// VerifyMasterKey checks the master key's self-signed issuance timestamp.
func VerifyMasterKey(pub *model.MasterKeyPub) error {
	if err := checkPublic(pub.PublicKey, model.KindMaster); err != nil {
		return err
	}
	if pub.TimestampSign == nil || !Verify(pub, timestampPayload(pub.HashHex, pub.Timestamp), *pub.TimestampSign) {
		return fmt.Errorf("%w: master timestamp", errs.ErrSignatureInvalid)
	}
	return nil
}

// VerifyIdentityKey checks an identity key against its master. The content,
// issuance and expiry signatures must all validate independently.
func VerifyIdentityKey(master *model.MasterKeyPub, pub *model.IdentityKeyPub, now time.Time) error {
	if err := checkPublic(pub.PublicKey, model.KindIdentity); err != nil {
		return err
	}
	if err := verifyPublic(master, pub.PublicKey, pub.SessionID); err != nil {
		return err
	}
	return VerifyTimestampPair(master, pub.Timestamp, pub.Expiry, pub.ExpirySign, now)
}

// VerifyAccountKey checks an account key against the master or identity key that issued it.
func VerifyAccountKey(issuer model.VerificationKey, pub *model.AccountKeyPub) error {
	if r := issuer.Role(); r != model.RoleMaster && r != model.RoleIdentity {
		return fmt.Errorf("%w: account key issuer role %s", errs.ErrSignatureInvalid, r)
	}
	if err := checkPublic(pub.PublicKey, model.KindAccount); err != nil {
		return err
	}
	return verifyPublic(issuer, pub.PublicKey, uuid.Nil)
}

// VerifyAccountChain checks a published account key all the way up to master,
// which the caller must already trust. An identity-issued account key needs
// that identity, and the identity must be valid at now.
func VerifyAccountChain(master *model.MasterKeyPub, issuer *model.IdentityKeyPub, pub *model.AccountKeyPub, now time.Time) error {
	if master == nil || pub == nil {
		return fmt.Errorf("%w: account key without master", errs.ErrSignatureInvalid)
	}
	if err := VerifyMasterKey(master); err != nil {
		return err
	}
	if pub.Sign == nil {
		return fmt.Errorf("%w: unsigned account key", errs.ErrSignatureInvalid)
	}
	switch pub.Sign.Type {
	case model.RoleMaster:
		return VerifyAccountKey(master, pub)
	case model.RoleIdentity:
		if issuer == nil || issuer.HashHex != pub.Sign.HashedPublicKeyHex {
			return fmt.Errorf("%w: issuing identity missing", errs.ErrSignatureInvalid)
		}
		if err := VerifyIdentityKey(master, issuer, now); err != nil {
			return err
		}
		return VerifyAccountKey(issuer, pub)
	default:
		return fmt.Errorf("%w: account key signed by %s", errs.ErrSignatureInvalid, pub.Sign.Type)
	}
}

// VerifyDeviceKey checks a device key against its master.
func VerifyDeviceKey(master *model.MasterKeyPub, pub *model.DeviceKeyPub) error {
	if err := checkPublic(pub.PublicKey, model.KindDevice); err != nil {
		return err
	}
	return verifyPublic(master, pub.PublicKey, pub.SessionID)
}

// VerifyShareKey checks a share key against its master and its signed window.
func VerifyShareKey(master *model.MasterKeyPub, pub *model.ShareKeyPub, now time.Time) error {
	if err := checkPublic(pub.PublicKey, model.KindShare); err != nil {
		return err
	}
	if err := verifyPublic(master, pub.PublicKey, uuid.Nil); err != nil {
		return err
	}
	return VerifyTimestampPair(master, pub.Timestamp, pub.Expiry, pub.ExpirySign, now)
}

// VerifyRoomKey checks a room key's metadata against the issuing identity key.
func VerifyRoomKey(identity *model.IdentityKeyPub, pub *model.RoomKeyPub, now time.Time) error {
	if pub.KeyType != model.KindRoom {
		return fmt.Errorf("%w: key type %q, want %q", errs.ErrSignatureInvalid, pub.KeyType, model.KindRoom)
	}
	if !Verify(identity, roomKeyPayload(pub.RoomID, pub.HashHex), pub.Sign) {
		return fmt.Errorf("%w: room key", errs.ErrSignatureInvalid)
	}
	return VerifyTimestampPair(identity, pub.Timestamp, pub.Expiry, pub.ExpirySign, now)
}

// RoomKeyFromSecret rebuilds a room key from its metadata and an unwrapped
// secret, refusing a secret that does not match the signed identifier.
func RoomKeyFromSecret(pub model.RoomKeyPub, secret []byte) (*model.RoomKey, error) {
	if len(secret) != AESKeySize {
		return nil, errs.ErrDecryptionFailed
	}
	if id, err := RoomKeyID(secret); err != nil || id != pub.HashHex {
		return nil, errs.ErrDecryptionFailed
	}
	return &model.RoomKey{RoomKeyPub: pub, Private: secret}, nil
}
