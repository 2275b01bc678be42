package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
	"github.com/and161185/keyhierarchy/internal/repository/memory"
)

func TestMigrationJanitor_Sweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewMigrations()
	clock := &testClock{now: t0}

	old := &model.Migration{ID: uuid.Must(uuid.NewV4()), State: model.MigrationRequested, CreatedAt: t0, UpdatedAt: t0}
	fresh := &model.Migration{ID: uuid.Must(uuid.NewV4()), State: model.MigrationAccepted, CreatedAt: t0, UpdatedAt: t0.Add(50 * time.Minute)}
	for _, m := range []*model.Migration{old, fresh} {
		if err := store.Create(ctx, m); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	j := NewMigrationJanitor(store, time.Hour, clock, zaptest.NewLogger(t))
	if n, err := j.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("nothing is stale yet: n=%d err=%v", n, err)
	}

	clock.Advance(90 * time.Minute)
	n, err := j.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if _, err := store.Get(ctx, old.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("stale migration kept: %v", err)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh migration removed: %v", err)
	}
}

type failingReaper struct{ calls chan struct{} }

func (f failingReaper) DeleteStale(context.Context, time.Time) (int64, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 0, errors.New("db down")
}

func TestMigrationJanitor_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	r := failingReaper{calls: make(chan struct{}, 1)}
	j := NewMigrationJanitor(r, time.Hour, nil, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		j.Run(ctx, time.Millisecond)
		close(done)
	}()
	select {
	case <-r.calls:
	case <-time.After(5 * time.Second):
		t.Fatalf("janitor never swept")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
