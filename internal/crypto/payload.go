package crypto

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/model"
)

// keyPayload is what an issuer signs to bind a subordinate public key: the key
// kind, the raw key and, for per-device kinds, the session it belongs to.
func keyPayload(kind model.KeyKind, key []byte, sessionID uuid.UUID) []byte {
	out := make([]byte, 0, len(kind)+1+len(key)+uuid.Size)
	out = append(out, kind...)
	out = append(out, 0)
	out = append(out, key...)
	if sessionID != uuid.Nil {
		out = append(out, sessionID.Bytes()...)
	}
	return out
}

// timestampPayload binds an issuance timestamp to the key it was issued for.
func timestampPayload(hashHex string, issuedAt time.Time) []byte {
	return []byte(hashHex + ISO(issuedAt))
}

// TimestampPairPayload is the concatenation of both ISO-8601 timestamps, signed as one.
func TimestampPairPayload(issuedAt, expiresAt time.Time) []byte {
	return []byte(ISO(issuedAt) + ISO(expiresAt))
}

func roomKeyPayload(roomID uuid.UUID, hashHex string) []byte {
	out := make([]byte, 0, len(model.KindRoom)+1+uuid.Size+len(hashHex))
	out = append(out, model.KindRoom...)
	out = append(out, 0)
	out = append(out, roomID.Bytes()...)
	out = append(out, hashHex...)
	return out
}

// MigrationExportPayload is what a MigrateDataSignKey signs: the sealed export
// bound to the migrate key it was sealed to.
func MigrationExportPayload(ed model.EncryptedDataMigrateKey) []byte {
	out := make([]byte, 0, len(model.KindMigrate)+1+len(ed.EncryptedKeyHashHex)+len(ed.CipherText)+len(ed.EncryptedData))
	out = append(out, model.KindMigrate...)
	out = append(out, 0)
	out = append(out, ed.EncryptedKeyHashHex...)
	out = append(out, ed.CipherText...)
	out = append(out, ed.EncryptedData...)
	return out
}
