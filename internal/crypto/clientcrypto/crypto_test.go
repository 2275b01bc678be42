package clientcrypto

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"testing"
)

// cheap parameters keep the tests fast; production uses DefaultKDF.
var testKDF = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(nil, n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(nil, n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestDeriveKEK_DeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	pw := []byte("secret-pass")
	s1 := []byte("salt-1-abcdefghi")
	s2 := []byte("salt-2-abcdefghi")
	k1 := DeriveKEK(pw, s1, testKDF)
	k2 := DeriveKEK(pw, s1, testKDF)
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("DeriveKEK not deterministic")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK(pw, s2, testKDF)) != 0 {
		t.Fatalf("DeriveKEK must change with salt")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK([]byte("other"), s1, testKDF)) != 0 {
		t.Fatalf("DeriveKEK must change with password")
	}
}

func TestWrapUnwrapDEK(t *testing.T) {
	t.Parallel()
	kek := DeriveKEK([]byte("pw"), []byte("salt-salt-salt-1"), testKDF)
	dek, _ := Rand(nil, DEKLen)

	wrapped, err := WrapDEK(nil, kek, dek)
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	out, err := UnwrapDEK(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	if subtle.ConstantTimeCompare(out, dek) != 1 {
		t.Fatalf("unwrap != original")
	}

	bad := DeriveKEK([]byte("pw2"), []byte("salt-salt-salt-1"), testKDF)
	if _, err := UnwrapDEK(bad, wrapped); err == nil {
		t.Fatalf("UnwrapDEK with wrong kek must fail")
	}
	if _, err := UnwrapDEK(kek, wrapped[:5]); err == nil {
		t.Fatalf("UnwrapDEK on short input must fail")
	}
}

func withTestKDF(t *testing.T) {
	t.Helper()
	prev := DefaultKDF
	DefaultKDF = testKDF
	t.Cleanup(func() { DefaultKDF = prev })
}

func TestVault_SealOpen(t *testing.T) {
	withTestKDF(t)
	id := []byte("user-1/session-1")
	pt := []byte(`{"master":"..."}`)

	v, err := Seal(nil, []byte("correct horse"), id, pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(v.Blob, pt) {
		t.Fatalf("blob contains plaintext")
	}
	got, err := Open([]byte("correct horse"), id, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch")
	}

	if _, err := Open([]byte("wrong"), id, v); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("wrong passphrase err=%v", err)
	}
	if _, err := Open([]byte("correct horse"), []byte("user-1/session-2"), v); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("swapped vault err=%v", err)
	}
	if _, err := Seal(nil, nil, id, pt); err == nil {
		t.Fatalf("empty passphrase must fail")
	}
	old := *v
	old.Version = 99
	if _, err := Open([]byte("correct horse"), id, &old); err == nil {
		t.Fatalf("unknown version must fail")
	}
}

func TestVault_Rekey(t *testing.T) {
	withTestKDF(t)
	id := []byte("u/s")
	v, _ := Seal(nil, []byte("old"), id, []byte("payload"))

	if _, err := Rekey(nil, []byte("nope"), []byte("new"), v); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("Rekey with wrong passphrase err=%v", err)
	}
	nv, err := Rekey(nil, []byte("old"), []byte("new"), v)
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if !bytes.Equal(nv.Blob, v.Blob) {
		t.Fatalf("Rekey must not re-encrypt the blob")
	}
	got, err := Open([]byte("new"), id, nv)
	if err != nil || string(got) != "payload" {
		t.Fatalf("Open after rekey: %q %v", got, err)
	}
	if _, err := Open([]byte("old"), id, nv); err == nil {
		t.Fatalf("old passphrase must stop working")
	}
}
