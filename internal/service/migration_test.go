package service

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository/memory"
)

type migrationFixture struct {
	svc       *MigrationService
	sessions  *memory.Sessions
	forge     *crypto.Forge
	requester model.Caller
	accepter  model.Caller
	other     model.Caller
}

func newMigrationFixture(t *testing.T) *migrationFixture {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{now: t0}
	user := uuid.Must(uuid.NewV4())
	fx := &migrationFixture{
		sessions:  memory.NewSessions(),
		forge:     newForge(t, 7, clock),
		requester: model.Caller{UserID: user, SessionID: uuid.Must(uuid.NewV4())},
		accepter:  model.Caller{UserID: user, SessionID: uuid.Must(uuid.NewV4())},
		other:     model.Caller{UserID: user, SessionID: uuid.Must(uuid.NewV4())},
	}
	for c, st := range map[model.Caller]model.SessionState{
		fx.requester: model.SessionPending,
		fx.accepter:  model.SessionEncrypted,
		fx.other:     model.SessionEncrypted,
	} {
		if err := fx.sessions.Create(ctx, &model.Session{ID: c.SessionID, UserID: c.UserID, State: st, CreatedAt: t0}); err != nil {
			t.Fatalf("session: %v", err)
		}
	}
	fx.svc = NewMigrationService(memory.NewMigrations(), fx.sessions, clock, zaptest.NewLogger(t))
	return fx
}

func (fx *migrationFixture) request(t *testing.T) (*model.Migration, *model.MigrateKey) {
	t.Helper()
	mk, err := fx.forge.NewMigrateKey()
	if err != nil {
		t.Fatalf("migrate key: %v", err)
	}
	m, err := fx.svc.Request(context.Background(), fx.requester, mk.MigrateKeyPub)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return m, mk
}

func (fx *migrationFixture) sealed(t *testing.T, to *model.MigrateKey, sk *model.MigrateDataSignKey) model.MigrationData {
	t.Helper()
	ed, err := fx.forge.Envelope().SealToMigrate(&to.MigrateKeyPub, []byte(`{"export":true}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sig, err := crypto.Sign(sk, crypto.MigrationExportPayload(ed))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return model.MigrationData{Export: ed, Sign: sig}
}

func TestMigration_FullHandshake(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newMigrationFixture(t)

	m, mk := fx.request(t)
	if m.State != model.MigrationRequested {
		t.Fatalf("state: %s", m.State)
	}
	sk, err := fx.forge.NewMigrateDataSignKey()
	if err != nil {
		t.Fatalf("sign key: %v", err)
	}
	if _, err := fx.svc.Accept(ctx, fx.accepter, m.ID, sk.MigrateDataSignKeyPub); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := fx.svc.SendData(ctx, fx.accepter, m.ID, fx.sealed(t, mk, sk)); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := fx.svc.Fetch(ctx, fx.requester, m.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.State != model.MigrationSent || got.Data == nil {
		t.Fatalf("want sent with data, got %s", got.State)
	}
	if _, err := crypto.OpenWithMigrate(mk, got.Data.Export); err != nil {
		t.Fatalf("requester cannot open export: %v", err)
	}

	if err := fx.svc.Complete(ctx, fx.requester, m.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := fx.svc.Fetch(ctx, fx.requester, m.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("completed migration must be gone, got %v", err)
	}
	sess, _ := fx.sessions.Get(ctx, fx.requester.SessionID)
	if sess.State != model.SessionEncrypted {
		t.Fatalf("requester session: %s", sess.State)
	}
}

func TestMigration_AcceptTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newMigrationFixture(t)
	m, _ := fx.request(t)
	sk, _ := fx.forge.NewMigrateDataSignKey()

	if _, err := fx.svc.Accept(ctx, fx.accepter, m.ID, sk.MigrateDataSignKeyPub); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := fx.svc.Accept(ctx, fx.other, m.ID, sk.MigrateDataSignKeyPub); !errors.Is(err, errs.ErrProtocolStateViolation) {
		t.Fatalf("second accept: want ErrProtocolStateViolation, got %v", err)
	}
}

func TestMigration_SendBeforeAccept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newMigrationFixture(t)
	m, mk := fx.request(t)
	sk, _ := fx.forge.NewMigrateDataSignKey()

	if _, err := fx.svc.SendData(ctx, fx.accepter, m.ID, fx.sealed(t, mk, sk)); !errors.Is(err, errs.ErrProtocolStateViolation) {
		t.Fatalf("want ErrProtocolStateViolation, got %v", err)
	}
	if err := fx.svc.Complete(ctx, fx.requester, m.ID); !errors.Is(err, errs.ErrProtocolStateViolation) {
		t.Fatalf("complete before send: want ErrProtocolStateViolation, got %v", err)
	}
}

func TestMigration_CallerChecks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newMigrationFixture(t)
	m, mk := fx.request(t)
	sk, _ := fx.forge.NewMigrateDataSignKey()

	if _, err := fx.svc.Accept(ctx, fx.requester, m.ID, sk.MigrateDataSignKeyPub); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("self accept: want ErrUnauthorized, got %v", err)
	}
	stranger := model.Caller{UserID: uuid.Must(uuid.NewV4()), SessionID: fx.accepter.SessionID}
	if _, err := fx.svc.Accept(ctx, stranger, m.ID, sk.MigrateDataSignKeyPub); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("foreign user: want ErrUnauthorized, got %v", err)
	}
	if _, err := fx.svc.Accept(ctx, fx.accepter, m.ID, sk.MigrateDataSignKeyPub); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := fx.svc.SendData(ctx, fx.other, m.ID, fx.sealed(t, mk, sk)); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("wrong accepter: want ErrUnauthorized, got %v", err)
	}
	if _, err := fx.svc.Fetch(ctx, fx.other, m.ID); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("bystander fetch: want ErrUnauthorized, got %v", err)
	}

	forged, _ := fx.forge.NewMigrateDataSignKey()
	if _, err := fx.svc.SendData(ctx, fx.accepter, m.ID, fx.sealed(t, mk, forged)); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("foreign signer: want ErrSignatureInvalid, got %v", err)
	}
	otherKey, _ := fx.forge.NewMigrateKey()
	if _, err := fx.svc.SendData(ctx, fx.accepter, m.ID, fx.sealed(t, otherKey, sk)); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("wrong recipient: want ErrValidation, got %v", err)
	}
}

func TestMigration_RequestRequiresPendingSession(t *testing.T) {
	t.Parallel()
	fx := newMigrationFixture(t)
	mk, _ := fx.forge.NewMigrateKey()
	if _, err := fx.svc.Request(context.Background(), fx.accepter, mk.MigrateKeyPub); !errors.Is(err, errs.ErrProtocolStateViolation) {
		t.Fatalf("want ErrProtocolStateViolation, got %v", err)
	}
	bad := mk.MigrateKeyPub
	bad.HashHex = "00"
	if _, err := fx.svc.Request(context.Background(), fx.requester, bad); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}
