package crypto

import "time"

const (
	// SignSeedSize is the ML-DSA-65 key seed length.
	SignSeedSize = 32
	// KEMSeedSize is the ML-KEM-768 key seed length.
	KEMSeedSize = 64
	// KEMEncapsulationSeedSize is the ML-KEM-768 encapsulation seed length.
	KEMEncapsulationSeedSize = 32

	// AESKeySize is the size of an AES-256 key in bytes.
	AESKeySize = 32
	// AESNonceSize is the size of an AES-GCM nonce in bytes.
	AESNonceSize = 12
	// AESTagSize is the size of an AES-GCM authentication tag in bytes.
	AESTagSize = 16

	// MaxValidity is the longest signed validity window any key may carry.
	MaxValidity = 365 * 24 * time.Hour

	// kdfContext separates envelope keys from any other use of a KEM secret.
	kdfContext = "keyhierarchy:envelope:v1"
	// roomKeyIDContext separates the room key identifier from the key itself.
	roomKeyIDContext = "keyhierarchy:room-key-id:v1"
)
