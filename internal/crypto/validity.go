package crypto

import (
	"fmt"
	"time"

	"github.com/and161185/keyhierarchy/internal/errs"
)

// CheckWindow enforces issuedAt <= now < expiresAt and a window no longer than
// MaxValidity. Inverted or oversized windows count as expired.
func CheckWindow(now, issuedAt, expiresAt time.Time) error {
	if !expiresAt.After(issuedAt) {
		return fmt.Errorf("%w: inverted validity window", errs.ErrKeyExpired)
	}
	if expiresAt.Sub(issuedAt) > MaxValidity {
		return fmt.Errorf("%w: validity window exceeds %s", errs.ErrKeyExpired, MaxValidity)
	}
	if now.Before(issuedAt) {
		return fmt.Errorf("%w: issued at %s", errs.ErrKeyNotYetValid, ISO(issuedAt))
	}
	if !now.Before(expiresAt) {
		return fmt.Errorf("%w: expired at %s", errs.ErrKeyExpired, ISO(expiresAt))
	}
	return nil
}

func checkLifetime(lifetime time.Duration) error {
	if lifetime <= 0 || lifetime > MaxValidity {
		return fmt.Errorf("%w: lifetime %s outside (0, %s]", errs.ErrValidation, lifetime, MaxValidity)
	}
	return nil
}
