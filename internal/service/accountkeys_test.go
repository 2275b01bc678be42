package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/repository/memory"
)

func TestAccountKeys_FanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newForge(t, 3, &testClock{now: t0})
	d1 := enroll(t, f)
	ledger := memory.NewLedger()
	ak := NewAccountKeys(ledger, f.Envelope(), nil, zaptest.NewLogger(t))

	s2 := uuid.Must(uuid.NewV4())
	d2, err := f.NewDeviceKey(d1.master, s2)
	if err != nil {
		t.Fatalf("device key: %v", err)
	}

	if err := ak.ShareTo(ctx, d1.user, d1.account, &d1.master.MasterKeyPub, &d2.DeviceKeyPub); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := ak.ShareTo(ctx, d1.user, d1.account, &d1.master.MasterKeyPub, &d2.DeviceKeyPub); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("second share: want ErrAlreadyExists, got %v", err)
	}
	pending, _ := ak.Pending(ctx, d1.user)
	if len(pending) != 1 || pending[0] != s2 {
		t.Fatalf("pending: %v", pending)
	}

	got, err := ak.Receive(ctx, d1.user, d2, &d1.master.MasterKeyPub, nil, d1.account.AccountKeyPub)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got.Private, d1.account.Private) || got.HashHex != d1.account.HashHex {
		t.Fatalf("second device holds a different account key")
	}
	pending, _ = ak.Pending(ctx, d1.user)
	if len(pending) != 0 {
		t.Fatalf("pending after receive: %v", pending)
	}
}

func TestAccountKeys_RejectsForeignDevice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newForge(t, 4, &testClock{now: t0})
	alice, mallory := enroll(t, f), enroll(t, f)
	ak := NewAccountKeys(memory.NewLedger(), f.Envelope(), nil, nil)

	// mallory's device key is signed by mallory's master, not alice's
	if err := ak.ShareTo(ctx, alice.user, alice.account, &alice.master.MasterKeyPub, &mallory.device.DeviceKeyPub); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	if _, err := ak.Receive(ctx, alice.user, alice.device, &alice.master.MasterKeyPub, nil, alice.account.AccountKeyPub); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("receive without share: want ErrNotFound, got %v", err)
	}
}

func TestAccountKeys_ReceiveChecksPublishedKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newForge(t, 5, &testClock{now: t0})
	d1 := enroll(t, f)
	other, _ := f.NewAccountKey(d1.master)
	d2, _ := f.NewDeviceKey(d1.master, uuid.Must(uuid.NewV4()))
	ak := NewAccountKeys(memory.NewLedger(), f.Envelope(), nil, nil)

	if err := ak.ShareTo(ctx, d1.user, d1.account, &d1.master.MasterKeyPub, &d2.DeviceKeyPub); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := ak.Receive(ctx, d1.user, d2, &d1.master.MasterKeyPub, nil, other.AccountKeyPub); !errors.Is(err, errs.ErrDecryptionFailed) {
		t.Fatalf("mismatched account key: want ErrDecryptionFailed, got %v", err)
	}
}

func TestAccountKeys_ReceiveRejectsUnchainedAccountKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newForge(t, 6, &testClock{now: t0})
	alice, mallory := enroll(t, f), enroll(t, f)
	d2, _ := f.NewDeviceKey(alice.master, uuid.Must(uuid.NewV4()))
	ledger := memory.NewLedger()
	ak := NewAccountKeys(ledger, f.Envelope(), nil, zaptest.NewLogger(t))

	if err := ak.ShareTo(ctx, alice.user, alice.account, &alice.master.MasterKeyPub, &d2.DeviceKeyPub); err != nil {
		t.Fatalf("share: %v", err)
	}
	// a key directory answering with mallory's account key for alice
	if _, err := ak.Receive(ctx, alice.user, d2, &alice.master.MasterKeyPub, nil, mallory.account.AccountKeyPub); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	// identity-issued account key without its identity
	rotated, _ := f.NewAccountKey(alice.identity)
	if _, err := ak.Receive(ctx, alice.user, d2, &alice.master.MasterKeyPub, nil, rotated.AccountKeyPub); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("identity-issued without issuer: want ErrSignatureInvalid, got %v", err)
	}
	pending, _ := ak.Pending(ctx, alice.user)
	if len(pending) != 1 {
		t.Fatalf("rejected receive must not acknowledge delivery: %v", pending)
	}
}
