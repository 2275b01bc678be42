package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// Envelope seals payloads to KEM public keys and encrypts under room keys.
type Envelope struct {
	rand io.Reader
}

// NewEnvelope constructs an Envelope. A nil reader means crypto/rand.
func NewEnvelope(r io.Reader) *Envelope {
	if r == nil {
		r = rand.Reader
	}
	return &Envelope{rand: r}
}

// deriveEnvelopeKey binds the one-shot AEAD key to the recipient kind and fingerprint.
func deriveEnvelopeKey(sharedSecret []byte, kind model.KeyKind, hashHex string) ([]byte, error) {
	info := []byte(kdfContext + ":" + string(kind) + ":" + hashHex)
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealTo encapsulates against recipient and AEAD-encrypts plaintext under the
// derived key. The nonce is all zeros: the key exists for this one call only.
func (e *Envelope) SealTo(recipient model.EncapsulationKey, plaintext []byte) (model.SealedBox, error) {
	if Fingerprint(recipient.Bytes()) != recipient.Fingerprint() {
		return model.SealedBox{}, fmt.Errorf("%w: %s fingerprint mismatch", errs.ErrValidation, recipient.Kind())
	}
	pk, err := kemScheme.UnmarshalBinaryPublicKey(recipient.Bytes())
	if err != nil {
		return model.SealedBox{}, fmt.Errorf("%w: unpack %s key", errs.ErrValidation, recipient.Kind())
	}
	seed, err := readRandom(e.rand, KEMEncapsulationSeedSize)
	if err != nil {
		return model.SealedBox{}, err
	}
	ct, ss, err := kemScheme.EncapsulateDeterministically(pk, seed)
	if err != nil {
		return model.SealedBox{}, err
	}
	key, err := deriveEnvelopeKey(ss, recipient.Kind(), recipient.Fingerprint())
	if err != nil {
		return model.SealedBox{}, err
	}
	var nonce [AESNonceSize]byte
	sealed, err := sealAESGCM(key, nonce[:], plaintext, ct)
	if err != nil {
		return model.SealedBox{}, err
	}
	return model.SealedBox{
		EncryptedData:       sealed,
		CipherText:          ct,
		KeyType:             recipient.Kind(),
		EncryptedKeyHashHex: recipient.Fingerprint(),
		Version:             model.CurrentVersion,
	}, nil
}

// OpenFrom decapsulates with the recipient's private key and opens the payload.
// It fails closed with ErrDecryptionFailed and never says why.
func OpenFrom(recipient model.DecapsulationKey, box model.SealedBox) ([]byte, error) {
	if box.KeyType != recipient.Kind() || box.EncryptedKeyHashHex != recipient.Fingerprint() {
		return nil, errs.ErrDecryptionFailed
	}
	if len(box.CipherText) != kemScheme.CiphertextSize() {
		return nil, errs.ErrDecryptionFailed
	}
	sk, err := kemScheme.UnmarshalBinaryPrivateKey(recipient.PrivateBytes())
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	ss, err := kemScheme.Decapsulate(sk, box.CipherText)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	key, err := deriveEnvelopeKey(ss, recipient.Kind(), recipient.Fingerprint())
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	var nonce [AESNonceSize]byte
	return openAESGCM(key, nonce[:], box.EncryptedData, box.CipherText)
}

// SealToAccount seals plaintext to an account key.
func (e *Envelope) SealToAccount(pub *model.AccountKeyPub, plaintext []byte) (model.EncryptedDataAccountKey, error) {
	box, err := e.SealTo(pub, plaintext)
	return model.EncryptedDataAccountKey{SealedBox: box}, err
}

// OpenWithAccount opens a payload sealed to an account key.
func OpenWithAccount(key *model.AccountKey, ed model.EncryptedDataAccountKey) ([]byte, error) {
	return OpenFrom(key, ed.SealedBox)
}

// SealToDevice seals plaintext to one device.
func (e *Envelope) SealToDevice(pub *model.DeviceKeyPub, plaintext []byte) (model.EncryptedDataDeviceKey, error) {
	box, err := e.SealTo(pub, plaintext)
	return model.EncryptedDataDeviceKey{SealedBox: box}, err
}

// OpenWithDevice opens a payload sealed to a device key.
func OpenWithDevice(key *model.DeviceKey, ed model.EncryptedDataDeviceKey) ([]byte, error) {
	return OpenFrom(key, ed.SealedBox)
}

// SealToShare seals plaintext to another user's share key.
func (e *Envelope) SealToShare(pub *model.ShareKeyPub, plaintext []byte) (model.EncryptedDataShareKey, error) {
	box, err := e.SealTo(pub, plaintext)
	return model.EncryptedDataShareKey{SealedBox: box}, err
}

// OpenWithShare opens a payload sealed to a share key.
func OpenWithShare(key *model.ShareKey, ed model.EncryptedDataShareKey) ([]byte, error) {
	return OpenFrom(key, ed.SealedBox)
}

// SealToMigrate seals plaintext to a migrating device's ephemeral key.
func (e *Envelope) SealToMigrate(pub *model.MigrateKeyPub, plaintext []byte) (model.EncryptedDataMigrateKey, error) {
	box, err := e.SealTo(pub, plaintext)
	return model.EncryptedDataMigrateKey{SealedBox: box}, err
}

// OpenWithMigrate opens a payload sealed to a migrate key.
func OpenWithMigrate(key *model.MigrateKey, ed model.EncryptedDataMigrateKey) ([]byte, error) {
	return OpenFrom(key, ed.SealedBox)
}

// SealWithRoomKey encrypts plaintext under a room key with a fresh random IV.
// The room key fingerprint is authenticated as associated data.
func (e *Envelope) SealWithRoomKey(key *model.RoomKey, plaintext []byte) (model.EncryptedDataRoomKey, error) {
	iv, err := readRandom(e.rand, AESNonceSize)
	if err != nil {
		return model.EncryptedDataRoomKey{}, err
	}
	ct, err := sealAESGCM(key.Private, iv, plaintext, []byte(key.HashHex))
	if err != nil {
		return model.EncryptedDataRoomKey{}, err
	}
	return model.EncryptedDataRoomKey{
		EncryptedData:       ct,
		IV:                  iv,
		KeyType:             model.KindRoom,
		EncryptedKeyHashHex: key.HashHex,
		Version:             model.CurrentVersion,
	}, nil
}

// OpenWithRoomKey decrypts a payload encrypted under a room key.
func OpenWithRoomKey(key *model.RoomKey, ed model.EncryptedDataRoomKey) ([]byte, error) {
	if ed.KeyType != model.KindRoom || ed.EncryptedKeyHashHex != key.HashHex {
		return nil, errs.ErrDecryptionFailed
	}
	return openAESGCM(key.Private, ed.IV, ed.EncryptedData, []byte(key.HashHex))
}

// AccountKeyFromPrivate pairs an unwrapped account private key with its
// published public half, refusing bytes that belong to another key.
func AccountKeyFromPrivate(pub model.AccountKeyPub, priv []byte) (*model.AccountKey, error) {
	sk, err := kemScheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	pk, err := sk.Public().MarshalBinary()
	if err != nil || Fingerprint(pk) != pub.HashHex {
		return nil, errs.ErrDecryptionFailed
	}
	return &model.AccountKey{AccountKeyPub: pub, Private: priv}, nil
}
