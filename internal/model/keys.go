package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// KeyKind names the role a key plays in the hierarchy.
type KeyKind string

// Key kinds.
const (
	KindMaster          KeyKind = "master"
	KindIdentity        KeyKind = "identity"
	KindAccount         KeyKind = "account"
	KindDevice          KeyKind = "device"
	KindShare           KeyKind = "share"
	KindRoom            KeyKind = "room"
	KindMigrate         KeyKind = "migrate"
	KindMigrateDataSign KeyKind = "migrateDataSign"
)

// SignerRole records which trust level produced a signature.
type SignerRole string

// Signer roles.
const (
	RoleMaster          SignerRole = "master"
	RoleIdentity        SignerRole = "identity"
	RoleMigrateDataSign SignerRole = "migrateDataSign"
)

// Sign names the key that signed and the role it played.
type Sign struct {
	Signature          []byte     `json:"signature"`
	HashedPublicKeyHex string     `json:"hashedPublicKeyHex"`
	Type               SignerRole `json:"type"`
	Version            int        `json:"version"`
}

// PublicKey is the wire shape shared by every asymmetric key kind.
type PublicKey struct {
	Key           []byte    `json:"key"`
	KeyType       KeyKind   `json:"keyType"`
	HashHex       string    `json:"hashHex"`
	Sign          *Sign     `json:"sign,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TimestampSign *Sign     `json:"timestampSign,omitempty"`
	Version       int       `json:"version"`
}

// Bytes returns the raw public key.
func (p PublicKey) Bytes() []byte { return p.Key }

// Fingerprint returns the hex SHA-256 of the public key.
func (p PublicKey) Fingerprint() string { return p.HashHex }

// Kind returns the key role.
func (p PublicKey) Kind() KeyKind { return p.KeyType }

// Validity is the signed expiry carried by expiring kinds (identity, share, room).
// ExpirySign covers the (timestamp, expiry) pair.
type Validity struct {
	Expiry     time.Time `json:"expiry"`
	ExpirySign Sign      `json:"expirySign"`
}

// VerificationKey is a public signature key trusted to verify a Sign.
type VerificationKey interface {
	Bytes() []byte
	Fingerprint() string
	Role() SignerRole
	verification()
}

// SignatureKey is a private signature key.
type SignatureKey interface {
	VerificationKey
	PrivateBytes() []byte
}

// EncapsulationKey is a KEM public key that payloads can be sealed to.
type EncapsulationKey interface {
	Bytes() []byte
	Fingerprint() string
	Kind() KeyKind
	encapsulation()
}

// DecapsulationKey is a KEM private key that opens sealed payloads.
type DecapsulationKey interface {
	EncapsulationKey
	PrivateBytes() []byte
}

// MasterKeyPub is the self-signed root of trust for one user.
type MasterKeyPub struct {
	PublicKey
}

// Role implements VerificationKey.
func (MasterKeyPub) Role() SignerRole { return RoleMaster }
func (MasterKeyPub) verification()    {}

// MasterKey is the private root signature key. It never leaves a device in plaintext.
type MasterKey struct {
	MasterKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements SignatureKey.
func (k *MasterKey) PrivateBytes() []byte { return k.Private }

// IdentityKeyPub is a per-device signing key issued by the master key.
type IdentityKeyPub struct {
	PublicKey
	Validity
	SessionID uuid.UUID `json:"sessionId"`
}

// Role implements VerificationKey.
func (IdentityKeyPub) Role() SignerRole { return RoleIdentity }
func (IdentityKeyPub) verification()    {}

// IdentityKey signs room keys and messages created on its device.
type IdentityKey struct {
	IdentityKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements SignatureKey.
func (k *IdentityKey) PrivateBytes() []byte { return k.Private }

// AccountKeyShare is one KEM-wrapped copy of the account private key for one session.
type AccountKeyShare struct {
	SessionID  uuid.UUID              `json:"sessionUUID"`
	CipherText EncryptedDataDeviceKey `json:"cipherText"`
}

// AccountKeyPub is the key other parties encrypt to when addressing all of a user's devices.
type AccountKeyPub struct {
	PublicKey
	Shares            []AccountKeyShare `json:"shares,omitempty"`
	DeliveredSessions []uuid.UUID       `json:"deliveredSession,omitempty"`
}

func (AccountKeyPub) encapsulation() {}

// AccountKey is the private account KEM key.
type AccountKey struct {
	AccountKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements DecapsulationKey.
func (k *AccountKey) PrivateBytes() []byte { return k.Private }

// DeviceKeyPub addresses payloads to one specific device.
type DeviceKeyPub struct {
	PublicKey
	SessionID uuid.UUID `json:"sessionId"`
}

func (DeviceKeyPub) encapsulation() {}

// DeviceKey is the private per-device KEM key.
type DeviceKey struct {
	DeviceKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements DecapsulationKey.
func (k *DeviceKey) PrivateBytes() []byte { return k.Private }

// ShareKeyPub is used to distribute secrets to other users' sessions.
type ShareKeyPub struct {
	PublicKey
	Validity
}

func (ShareKeyPub) encapsulation() {}

// ShareKey is the private cross-user sharing KEM key.
type ShareKey struct {
	ShareKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements DecapsulationKey.
func (k *ShareKey) PrivateBytes() []byte { return k.Private }

// MigrateKeyPub is the ephemeral KEM key of a device waiting to be migrated. Unsigned.
type MigrateKeyPub struct {
	PublicKey
}

func (MigrateKeyPub) encapsulation() {}

// MigrateKey is the private half of MigrateKeyPub. Single use.
type MigrateKey struct {
	MigrateKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements DecapsulationKey.
func (k *MigrateKey) PrivateBytes() []byte { return k.Private }

// MigrateDataSignKeyPub verifies the export sent during one migration. Unsigned.
type MigrateDataSignKeyPub struct {
	PublicKey
}

// Role implements VerificationKey.
func (MigrateDataSignKeyPub) Role() SignerRole { return RoleMigrateDataSign }
func (MigrateDataSignKeyPub) verification()    {}

// MigrateDataSignKey signs one migration export. Single use.
type MigrateDataSignKey struct {
	MigrateDataSignKeyPub
	Private []byte `json:"private"`
}

// PrivateBytes implements SignatureKey.
func (k *MigrateDataSignKey) PrivateBytes() []byte { return k.Private }

// RoomKeyPub is the shareable metadata of a room key. The key itself is never public.
type RoomKeyPub struct {
	RoomID    uuid.UUID `json:"roomId"`
	KeyType   KeyKind   `json:"keyType"`
	HashHex   string    `json:"hashHex"`
	Sign      Sign      `json:"sign"`
	Timestamp time.Time `json:"timestamp"`
	Validity
	Version int `json:"version"`
}

// Fingerprint returns the hex SHA-256 of the symmetric key.
func (p RoomKeyPub) Fingerprint() string { return p.HashHex }

// RoomKey is the AES-256-GCM content key of one conversation.
type RoomKey struct {
	RoomKeyPub
	Private []byte `json:"private"`
}
