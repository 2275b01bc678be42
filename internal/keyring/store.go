package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/crypto/clientcrypto"
	"github.com/and161185/keyhierarchy/internal/errs"
)

// FileName is the keyring file inside a device home directory.
const FileName = "keyring.json"

// file is the on-disk layout: the session in clear, the ring sealed.
type file struct {
	UserID    uuid.UUID           `json:"userId"`
	SessionID uuid.UUID           `json:"sessionId"`
	Vault     *clientcrypto.Vault `json:"vault"`
}

// Save seals kr under passphrase and writes it to dir/FileName with 0600 permissions.
func Save(r io.Reader, dir string, passphrase []byte, kr *Keyring) error {
	plain, err := json.Marshal(kr)
	if err != nil {
		return err
	}
	v, err := clientcrypto.Seal(r, passphrase, kr.SessionID.Bytes(), plain)
	if err != nil {
		return fmt.Errorf("seal keyring: %w", err)
	}
	raw, err := json.MarshalIndent(file{UserID: kr.UserID, SessionID: kr.SessionID, Vault: v}, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(dir, raw)
}

// writeFile replaces dir/FileName through a temporary file so a failed write
// never leaves a truncated keyring behind.
func writeFile(dir string, raw []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, FileName))
}

// Load reads and opens the keyring in dir. A missing file is errs.ErrNotFound.
func Load(dir string, passphrase []byte) (*Keyring, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no keyring in %s", errs.ErrNotFound, dir)
	}
	if err != nil {
		return nil, err
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("keyring file: %w", err)
	}
	if f.Vault == nil {
		return nil, fmt.Errorf("%w: keyring file has no vault", errs.ErrValidation)
	}
	plain, err := clientcrypto.Open(passphrase, f.SessionID.Bytes(), f.Vault)
	if err != nil {
		return nil, err
	}
	kr := new(Keyring)
	if err := json.Unmarshal(plain, kr); err != nil {
		return nil, fmt.Errorf("keyring body: %w", err)
	}
	if kr.SessionID != f.SessionID || kr.UserID != f.UserID {
		return nil, fmt.Errorf("%w: keyring header does not match body", errs.ErrValidation)
	}
	return kr, nil
}

// ChangePassphrase re-wraps the keyring in dir without re-encrypting the body.
func ChangePassphrase(r io.Reader, dir string, oldPass, newPass []byte) error {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: no keyring in %s", errs.ErrNotFound, dir)
	}
	if err != nil {
		return err
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("keyring file: %w", err)
	}
	if f.Vault == nil {
		return fmt.Errorf("%w: keyring file has no vault", errs.ErrValidation)
	}
	if f.Vault, err = clientcrypto.Rekey(r, oldPass, newPass, f.Vault); err != nil {
		return err
	}
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(dir, out)
}
