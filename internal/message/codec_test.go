package message

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	forge    *crypto.Forge
	identity *model.IdentityKey
	roomKey  *model.RoomKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	var seed [32]byte
	seed[0] = 42
	f := crypto.NewForge(crypto.WithRand(rand.NewChaCha8(seed)), crypto.WithClock(crypto.FixedClock(t0)))
	master, err := f.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	id, err := f.NewIdentityKey(master, uuid.Must(uuid.NewV4()), crypto.MaxValidity)
	if err != nil {
		t.Fatalf("NewIdentityKey: %v", err)
	}
	rk, err := f.NewRoomKey(id, uuid.Must(uuid.NewV4()), crypto.MaxValidity)
	if err != nil {
		t.Fatalf("NewRoomKey: %v", err)
	}
	return fixture{forge: f, identity: id, roomKey: rk}
}

func (fx fixture) codecAt(at time.Time) *Codec {
	return NewCodec(fx.forge.Envelope(), WithClock(crypto.FixedClock(at)))
}

func TestCodec_RoundTripWithinWindow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	at := t0.Add(time.Hour)
	msg, err := fx.codecAt(at).Encrypt(fx.roomKey, fx.identity, []byte("hi there"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !msg.Value.Timestamp.Equal(at) {
		t.Fatalf("timestamp=%v, want %v", msg.Value.Timestamp, at)
	}
	got, err := fx.codecAt(at.Add(time.Minute)).VerifyAndDecrypt(fx.roomKey, &fx.identity.IdentityKeyPub, msg)
	if err != nil {
		t.Fatalf("VerifyAndDecrypt: %v", err)
	}
	if string(got) != "hi there" {
		t.Fatalf("got %q", got)
	}
}

func TestCodec_ExpiredRoomKeyRejectedBothWays(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	late := t0.Add(366 * 24 * time.Hour)

	if _, err := fx.codecAt(late).Encrypt(fx.roomKey, fx.identity, []byte("x")); !errors.Is(err, errs.ErrKeyExpired) {
		t.Fatalf("Encrypt err=%v, want ErrKeyExpired", err)
	}

	msg, err := fx.codecAt(t0.Add(time.Hour)).Encrypt(fx.roomKey, fx.identity, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, err = fx.codecAt(late).VerifyAndDecrypt(fx.roomKey, &fx.identity.IdentityKeyPub, msg)
	if !errors.Is(err, ErrUnreadable) || !errors.Is(err, errs.ErrKeyExpired) {
		t.Fatalf("VerifyAndDecrypt err=%v", err)
	}
}

func TestCodec_RejectsTampering(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	at := t0.Add(time.Hour)
	c := fx.codecAt(at)
	msg, err := c.Encrypt(fx.roomKey, fx.identity, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(m *model.Message)
		want   error
	}{
		{"ciphertext", func(m *model.Message) {
			d := append([]byte(nil), m.Value.Data.EncryptedData...)
			d[0] ^= 1
			m.Value.Data.EncryptedData = d
		}, errs.ErrSignatureInvalid},
		{"timestamp", func(m *model.Message) { m.Value.Timestamp = m.Value.Timestamp.Add(-time.Second) }, errs.ErrSignatureInvalid},
		{"before room key", func(m *model.Message) { m.Value.Timestamp = t0.Add(-time.Second) }, errs.ErrReplayOrClockSkew},
		{"far future", func(m *model.Message) { m.Value.Timestamp = at.Add(time.Hour) }, errs.ErrReplayOrClockSkew},
		{"signature", func(m *model.Message) {
			s := append([]byte(nil), m.Signature.Signature...)
			s[10] ^= 1
			m.Signature.Signature = s
		}, errs.ErrSignatureInvalid},
	}
	for _, tc := range cases {
		m := msg
		tc.mutate(&m)
		_, err := c.VerifyAndDecrypt(fx.roomKey, &fx.identity.IdentityKeyPub, m)
		if !errors.Is(err, ErrUnreadable) || !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestCodec_WrongSenderOrKey(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	at := t0.Add(time.Hour)
	c := fx.codecAt(at)
	msg, _ := c.Encrypt(fx.roomKey, fx.identity, []byte("x"))

	master, _ := fx.forge.NewMasterKey()
	other, _ := fx.forge.NewIdentityKey(master, uuid.Must(uuid.NewV4()), time.Hour*48)
	if _, err := c.VerifyAndDecrypt(fx.roomKey, &other.IdentityKeyPub, msg); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("wrong sender err=%v", err)
	}

	rk2, _ := fx.forge.NewRoomKey(fx.identity, fx.roomKey.RoomID, crypto.MaxValidity)
	if _, err := c.VerifyAndDecrypt(rk2, &fx.identity.IdentityKeyPub, msg); !errors.Is(err, errs.ErrDecryptionFailed) {
		t.Fatalf("wrong room key err=%v", err)
	}
}
