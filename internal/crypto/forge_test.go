package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

func TestForge_MasterKey(t *testing.T) {
	t.Parallel()
	k, err := newTestForge(t, 1, t0).NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	if k.KeyType != model.KindMaster || k.Version != model.CurrentVersion {
		t.Fatalf("master=%+v", k.PublicKey)
	}
	if k.HashHex != Fingerprint(k.Key) {
		t.Fatalf("fingerprint mismatch")
	}
	if !k.Timestamp.Equal(t0) {
		t.Fatalf("timestamp=%v, want %v", k.Timestamp, t0)
	}
	if k.Sign != nil {
		t.Fatalf("master key must not carry a content signature")
	}
	if err := VerifyMasterKey(&k.MasterKeyPub); err != nil {
		t.Fatalf("VerifyMasterKey: %v", err)
	}
	tampered := k.MasterKeyPub
	tampered.Timestamp = t0.Add(time.Second)
	if err := VerifyMasterKey(&tampered); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("tampered master err=%v", err)
	}
}

func TestForge_DeterministicUnderSeed(t *testing.T) {
	t.Parallel()
	a, _ := newTestForge(t, 9, t0).NewMasterKey()
	b, _ := newTestForge(t, 9, t0).NewMasterKey()
	c, _ := newTestForge(t, 10, t0).NewMasterKey()
	if !bytes.Equal(a.Key, b.Key) {
		t.Fatalf("same seed produced different keys")
	}
	if bytes.Equal(a.Key, c.Key) {
		t.Fatalf("different seeds produced the same key")
	}
}

func TestForge_KeySizes(t *testing.T) {
	t.Parallel()
	f := newTestForge(t, 2, t0)
	master, _ := f.NewMasterKey()
	if len(master.Key) != signScheme.PublicKeySize() || len(master.Private) != signScheme.PrivateKeySize() {
		t.Fatalf("master sizes pub=%d priv=%d", len(master.Key), len(master.Private))
	}
	acc, _ := f.NewAccountKey(master)
	if len(acc.Key) != kemScheme.PublicKeySize() || len(acc.Private) != kemScheme.PrivateKeySize() {
		t.Fatalf("account sizes pub=%d priv=%d", len(acc.Key), len(acc.Private))
	}
	id, _ := f.NewIdentityKey(master, uuid.Must(uuid.NewV4()), time.Hour)
	rk, _ := f.NewRoomKey(id, uuid.Must(uuid.NewV4()), time.Hour)
	if len(rk.Private) != AESKeySize {
		t.Fatalf("room key size=%d", len(rk.Private))
	}
	if want, _ := RoomKeyID(rk.Private); rk.HashHex != want {
		t.Fatalf("room key id %s, want %s", rk.HashHex, want)
	}
	if rk.HashHex == Fingerprint(rk.Private) {
		t.Fatalf("room key id must not be a plain hash of the secret")
	}
	mk, _ := f.NewMigrateKey()
	if mk.Sign != nil || mk.TimestampSign != nil {
		t.Fatalf("migrate key must be unsigned")
	}
}

func TestForge_LifetimeBounds(t *testing.T) {
	t.Parallel()
	f := newTestForge(t, 3, t0)
	master, _ := f.NewMasterKey()
	sid := uuid.Must(uuid.NewV4())
	if _, err := f.NewIdentityKey(master, sid, MaxValidity+time.Hour); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("identity over max err=%v", err)
	}
	if _, err := f.NewShareKey(master, 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("share zero lifetime err=%v", err)
	}
	id, _ := f.NewIdentityKey(master, sid, time.Hour)
	if _, err := f.NewRoomKey(id, uuid.Must(uuid.NewV4()), 366*24*time.Hour); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("room key 366d err=%v", err)
	}
	rk, err := f.NewRoomKey(id, uuid.Must(uuid.NewV4()), MaxValidity)
	if err != nil {
		t.Fatalf("room key 365d: %v", err)
	}
	if got := rk.Expiry.Sub(rk.Timestamp); got != MaxValidity {
		t.Fatalf("room key window=%s", got)
	}
}

func TestForge_EntropyFailureAborts(t *testing.T) {
	t.Parallel()
	ok := newTestForge(t, 4, t0)
	master, _ := ok.NewMasterKey()
	f := NewForge(WithRand(failingReader{}), WithClock(FixedClock(t0)))

	if _, err := f.NewMasterKey(); !errors.Is(err, errs.ErrEntropy) {
		t.Fatalf("NewMasterKey err=%v", err)
	}
	if _, err := f.NewAccountKey(master); !errors.Is(err, errs.ErrEntropy) {
		t.Fatalf("NewAccountKey err=%v", err)
	}
	id, _ := ok.NewIdentityKey(master, uuid.Must(uuid.NewV4()), time.Hour)
	if _, err := f.NewRoomKey(id, uuid.Must(uuid.NewV4()), time.Hour); !errors.Is(err, errs.ErrEntropy) {
		t.Fatalf("NewRoomKey err=%v", err)
	}
	acc, _ := ok.NewAccountKey(master)
	if _, err := f.Envelope().SealToAccount(&acc.AccountKeyPub, []byte("x")); !errors.Is(err, errs.ErrEntropy) {
		t.Fatalf("SealToAccount err=%v", err)
	}
}

func TestFingerprint_KnownVector(t *testing.T) {
	t.Parallel()
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Fingerprint([]byte("abc")); got != want {
		t.Fatalf("Fingerprint=%s", got)
	}
}
