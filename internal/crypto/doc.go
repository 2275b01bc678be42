// Package crypto implements the key hierarchy primitives: key generation,
// the signature chain between key kinds, and envelope encryption.
//
// # Algorithm Suite
//
//   - ML-DSA-65 (FIPS 204) for master, identity and migration-signing keys.
//     Keys are derived from a 32-byte seed read from the injected random source.
//   - ML-KEM-768 (FIPS 203) for account, device, share and migrate keys.
//     Keys are derived from a 64-byte seed.
//   - AES-256-GCM for room keys and for the one-shot envelope AEAD.
//   - HKDF-SHA-256 turns a KEM shared secret into the envelope AEAD key.
//
// Every public key is identified by its fingerprint: the hex SHA-256 of the
// raw public key bytes.
//
// # Envelope invariant
//
// [Envelope.SealTo] uses an all-zero GCM nonce. This is only sound because the
// AEAD key is derived from a fresh KEM encapsulation on every call, so one KEM
// output feeds exactly one AEAD operation. A derived envelope key must never be
// used for a second message. Room keys are long-lived shared secrets and always
// use a fresh random nonce per call instead.
//
// # Time and randomness
//
// Nothing in this package reads the wall clock or crypto/rand implicitly when a
// [Clock] or random source is injected; tests use fixed clocks and seeded readers
// to make issuance deterministic.
package crypto
