package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Fingerprint returns the hex SHA-256 of a public key. It identifies keys in
// signatures, envelopes and storage.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// RoomKeyID derives the public identifier of a room key secret. It is an HKDF
// output, never a hash of the secret itself.
func RoomKeyID(secret []byte) (string, error) {
	id := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(roomKeyIDContext)), id); err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}
