// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (expected state mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates the caller is not allowed to perform the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates malformed input that never reached the crypto or storage layer.
	ErrValidation = errors.New("validation")
)

// Key hierarchy failures. All are recoverable by the caller except ErrEntropy.
var (
	// ErrSignatureInvalid indicates a signature did not verify against the claimed issuer.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrKeyExpired indicates the key's signed validity window has lapsed, is inverted,
	// or is longer than allowed.
	ErrKeyExpired = errors.New("key expired")

	// ErrKeyNotYetValid indicates the key's issuance timestamp is in the future.
	ErrKeyNotYetValid = errors.New("key not yet valid")

	// ErrUnauthorizedRecipient indicates a recipient outside the room's participant set,
	// or a duplicated recipient.
	ErrUnauthorizedRecipient = errors.New("unauthorized recipient")

	// ErrReplayOrClockSkew indicates a message timestamp outside the acceptable window.
	ErrReplayOrClockSkew = errors.New("replay or clock skew")

	// ErrProtocolStateViolation indicates a migration step attempted out of order or twice.
	ErrProtocolStateViolation = errors.New("protocol state violation")

	// ErrDecryptionFailed is deliberately generic: it never says which stage failed.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrEntropy indicates the random source failed. Issuance must abort.
	ErrEntropy = errors.New("entropy source failure")
)
