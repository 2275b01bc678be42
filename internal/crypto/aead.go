package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/and161185/keyhierarchy/internal/errs"
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: aes key size %d, want %d", errs.ErrValidation, len(key), AESKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sealAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext || tag.
func sealAESGCM(key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != AESNonceSize {
		return nil, fmt.Errorf("%w: nonce size %d, want %d", errs.ErrValidation, len(nonce), AESNonceSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// openAESGCM decrypts ciphertext || tag. Every failure is ErrDecryptionFailed.
func openAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != AESNonceSize || len(ciphertext) < AESTagSize {
		return nil, errs.ErrDecryptionFailed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	return plaintext, nil
}
