// Package clientcrypto protects a device keyring at rest: a passphrase-derived
// KEK (Argon2id) wraps a random DEK, and the DEK encrypts the keyring with
// XChaCha20-Poly1305.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	DEKLen  = 32
	KeKLen  = 32
	SaltLen = 16

	FormatVersion = 1

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrBadPassphrase is returned when the KEK cannot unwrap the DEK.
var ErrBadPassphrase = errors.New("clientcrypto: wrong passphrase or corrupted vault")

// KDFParams are the Argon2id cost parameters recorded with each vault.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultKDF is used for new vaults.
var DefaultKDF = KDFParams{Time: argonTime, Memory: argonMemory, Threads: argonThreads}

// Vault is the at-rest form of one device keyring.
type Vault struct {
	Version    int       `json:"version"`
	KDF        KDFParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	WrappedDEK []byte    `json:"wrappedDek"`
	Blob       []byte    `json:"blob"`
}

// Rand reads n bytes from r (crypto/rand when nil).
func Rand(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}

// DeriveKEK derives a KEK from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, KeKLen)
}

// WrapDEK encrypts DEK with KEK using XChaCha20-Poly1305 and random nonce.
func WrapDEK(r io.Reader, kek, dek []byte) ([]byte, error) {
	return seal(r, kek, dek, nil)
}

// UnwrapDEK decrypts wrapped DEK using KEK.
func UnwrapDEK(kek, wrapped []byte) ([]byte, error) {
	return open(kek, wrapped, nil)
}

// deriveBlobKey derives the keyring encryption key for one identity via HKDF-SHA256.
func deriveBlobKey(dek, id []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, dek, nil, append([]byte("keyring:"), id...))
	key := make([]byte, DEKLen)
	_, err := io.ReadFull(r, key)
	return key, err
}

func blobAAD(id []byte, version int) []byte {
	aad := make([]byte, 0, len(id)+8)
	aad = append(aad, id...)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	return append(aad, v[:]...)
}

func seal(r io.Reader, key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(r, chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("clientcrypto: blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// Seal encrypts plaintext under passphrase. id binds the vault to its owner
// (user and session) so it cannot be swapped with another device's file.
func Seal(r io.Reader, passphrase, id, plaintext []byte) (*Vault, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("clientcrypto: empty passphrase")
	}
	salt, err := Rand(r, SaltLen)
	if err != nil {
		return nil, err
	}
	dek, err := Rand(r, DEKLen)
	if err != nil {
		return nil, err
	}
	v := &Vault{Version: FormatVersion, KDF: DefaultKDF, Salt: salt}
	if v.WrappedDEK, err = WrapDEK(r, DeriveKEK(passphrase, salt, v.KDF), dek); err != nil {
		return nil, err
	}
	key, err := deriveBlobKey(dek, id)
	if err != nil {
		return nil, err
	}
	if v.Blob, err = seal(r, key, plaintext, blobAAD(id, v.Version)); err != nil {
		return nil, err
	}
	return v, nil
}

// Open decrypts a vault. Any failure to unwrap is ErrBadPassphrase.
func Open(passphrase, id []byte, v *Vault) ([]byte, error) {
	if v.Version != FormatVersion {
		return nil, fmt.Errorf("clientcrypto: unsupported vault version %d", v.Version)
	}
	dek, err := UnwrapDEK(DeriveKEK(passphrase, v.Salt, v.KDF), v.WrappedDEK)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	key, err := deriveBlobKey(dek, id)
	if err != nil {
		return nil, err
	}
	pt, err := open(key, v.Blob, blobAAD(id, v.Version))
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return pt, nil
}

// Rekey re-wraps the DEK under a new passphrase without touching the blob.
func Rekey(r io.Reader, oldPass, newPass []byte, v *Vault) (*Vault, error) {
	dek, err := UnwrapDEK(DeriveKEK(oldPass, v.Salt, v.KDF), v.WrappedDEK)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	salt, err := Rand(r, SaltLen)
	if err != nil {
		return nil, err
	}
	out := &Vault{Version: v.Version, KDF: DefaultKDF, Salt: salt, Blob: v.Blob}
	if out.WrappedDEK, err = WrapDEK(r, DeriveKEK(newPass, salt, out.KDF), dek); err != nil {
		return nil, err
	}
	return out, nil
}
