package crypto

import (
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

var signScheme = mldsa65.Scheme()

// Sign signs payload with the issuer's private ML-DSA-65 key. The returned
// envelope records the issuer's fingerprint and the role it acted in.
func Sign(issuer model.SignatureKey, payload []byte) (model.Sign, error) {
	sk, err := signScheme.UnmarshalBinaryPrivateKey(issuer.PrivateBytes())
	if err != nil {
		return model.Sign{}, fmt.Errorf("%w: unpack %s signing key", errs.ErrValidation, issuer.Role())
	}
	return model.Sign{
		Signature:          signScheme.Sign(sk, payload, nil),
		HashedPublicKeyHex: issuer.Fingerprint(),
		Type:               issuer.Role(),
		Version:            model.CurrentVersion,
	}, nil
}

// Verify reports whether s is a valid signature over payload by issuer. Any
// mismatch (fingerprint, role, key encoding, signature size) is false.
func Verify(issuer model.VerificationKey, payload []byte, s model.Sign) bool {
	if issuer == nil {
		return false
	}
	if s.HashedPublicKeyHex != issuer.Fingerprint() || s.Type != issuer.Role() {
		return false
	}
	if Fingerprint(issuer.Bytes()) != issuer.Fingerprint() {
		return false
	}
	if len(s.Signature) != signScheme.SignatureSize() {
		return false
	}
	pk, err := signScheme.UnmarshalBinaryPublicKey(issuer.Bytes())
	if err != nil {
		return false
	}
	return signScheme.Verify(pk, payload, s.Signature, nil)
}

// SignTimestampPair signs both timestamps as one payload.
func SignTimestampPair(issuer model.SignatureKey, issuedAt, expiresAt time.Time) (model.Sign, error) {
	return Sign(issuer, TimestampPairPayload(issuedAt, expiresAt))
}

// VerifyTimestampPair checks the pair signature and then the window at now.
// A bad signature wins over a bad window.
func VerifyTimestampPair(issuer model.VerificationKey, issuedAt, expiresAt time.Time, s model.Sign, now time.Time) error {
	if !Verify(issuer, TimestampPairPayload(issuedAt, expiresAt), s) {
		return fmt.Errorf("%w: timestamp pair", errs.ErrSignatureInvalid)
	}
	return CheckWindow(now, issuedAt, expiresAt)
}
