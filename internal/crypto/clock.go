package crypto

import "time"

// isoLayout is the ISO-8601 form signed in timestamp payloads (UTC, milliseconds).
const isoLayout = "2006-01-02T15:04:05.000Z"

// Clock reports the current time. Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock time.Time

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return time.Time(c) }

// stamp normalises a timestamp to what survives the ISO encoding.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ISO formats t the way it is signed.
func ISO(t time.Time) string {
	return t.UTC().Format(isoLayout)
}
