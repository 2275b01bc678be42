package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// SealedBox is the wire shape of a KEM-encapsulated, AEAD-wrapped payload.
type SealedBox struct {
	EncryptedData       []byte  `json:"encryptedData"`
	CipherText          []byte  `json:"cipherText"` // KEM encapsulation
	KeyType             KeyKind `json:"keyType"`
	EncryptedKeyHashHex string  `json:"encryptedKeyHashHex"`
	Version             int     `json:"version"`
}

// EncryptedDataAccountKey is sealed to an AccountKey.
type EncryptedDataAccountKey struct{ SealedBox }

// EncryptedDataDeviceKey is sealed to a DeviceKey.
type EncryptedDataDeviceKey struct{ SealedBox }

// EncryptedDataShareKey is sealed to a ShareKey.
type EncryptedDataShareKey struct{ SealedBox }

// EncryptedDataMigrateKey is sealed to a MigrateKey.
type EncryptedDataMigrateKey struct{ SealedBox }

// EncryptedDataRoomKey is symmetric AEAD under a RoomKey with a random IV.
type EncryptedDataRoomKey struct {
	EncryptedData       []byte  `json:"encryptedData"`
	IV                  []byte  `json:"iv"`
	KeyType             KeyKind `json:"keyType"`
	EncryptedKeyHashHex string  `json:"encryptedKeyHashHex"`
	Version             int     `json:"version"`
}

// MessageValue is the signed part of a message envelope.
type MessageValue struct {
	Data      EncryptedDataRoomKey `json:"data"`
	Timestamp time.Time            `json:"timestamp"`
}

// Message is the envelope exchanged between two identities sharing a room key.
type Message struct {
	Value     MessageValue `json:"value"`
	Signature Sign         `json:"signature"`
}

// RoomKeyShare is the room key sealed to one recipient's account key.
type RoomKeyShare struct {
	UserID        uuid.UUID               `json:"userId"`
	EncryptedData EncryptedDataAccountKey `json:"encryptedData"`
}

// RoomKeyRecord is the ledger entry for the current room key of (room, issuing session).
type RoomKeyRecord struct {
	RoomID    uuid.UUID      `json:"roomId"`
	SessionID uuid.UUID      `json:"sessionId"`
	Key       RoomKeyPub     `json:"key"`
	Shares    []RoomKeyShare `json:"shares"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ShareFor returns the share addressed to userID.
func (r *RoomKeyRecord) ShareFor(userID uuid.UUID) (RoomKeyShare, bool) {
	for _, s := range r.Shares {
		if s.UserID == userID {
			return s, true
		}
	}
	return RoomKeyShare{}, false
}
