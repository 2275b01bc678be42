package service

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/model"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newForge(t *testing.T, seed byte, clock crypto.Clock) *crypto.Forge {
	t.Helper()
	var s [32]byte
	s[0] = seed
	return crypto.NewForge(crypto.WithRand(rand.NewChaCha8(s)), crypto.WithClock(clock))
}

// enrolled is one user's key set on its first device.
type enrolled struct {
	user     uuid.UUID
	session  uuid.UUID
	master   *model.MasterKey
	identity *model.IdentityKey
	account  *model.AccountKey
	device   *model.DeviceKey
}

func enroll(t *testing.T, f *crypto.Forge) *enrolled {
	t.Helper()
	e := &enrolled{user: uuid.Must(uuid.NewV4()), session: uuid.Must(uuid.NewV4())}
	var err error
	if e.master, err = f.NewMasterKey(); err != nil {
		t.Fatalf("master: %v", err)
	}
	if e.identity, err = f.NewIdentityKey(e.master, e.session, crypto.MaxValidity); err != nil {
		t.Fatalf("identity: %v", err)
	}
	if e.account, err = f.NewAccountKey(e.master); err != nil {
		t.Fatalf("account: %v", err)
	}
	if e.device, err = f.NewDeviceKey(e.master, e.session); err != nil {
		t.Fatalf("device: %v", err)
	}
	return e
}

func (e *enrolled) caller() model.Caller {
	return model.Caller{UserID: e.user, SessionID: e.session}
}

func (e *enrolled) recipient() Recipient {
	return Recipient{UserID: e.user, Master: &e.master.MasterKeyPub, AccountKey: &e.account.AccountKeyPub}
}
