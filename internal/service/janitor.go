package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/repository"
)

// MigrationJanitor drops handshakes nobody touched for maxAge. A requester
// whose migration was reaped starts over with a fresh MigrateKey.
type MigrationJanitor struct {
	reaper repository.MigrationReaper
	clock  crypto.Clock
	maxAge time.Duration
	log    *zap.Logger
}

// NewMigrationJanitor constructs a janitor. A nil clock means the system clock.
func NewMigrationJanitor(reaper repository.MigrationReaper, maxAge time.Duration, clock crypto.Clock, log *zap.Logger) *MigrationJanitor {
	if clock == nil {
		clock = crypto.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MigrationJanitor{reaper: reaper, clock: clock, maxAge: maxAge, log: log}
}

// Sweep runs one pass and returns the number of migrations removed.
func (j *MigrationJanitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.reaper.DeleteStale(ctx, j.clock.Now().UTC().Add(-j.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("stale migrations removed", zap.Int64("count", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. Sweep errors are logged.
func (j *MigrationJanitor) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("migration sweep", zap.Error(err))
			}
		}
	}
}
