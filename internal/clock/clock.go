package clock

import (
	"context"
	"sync"
	"time"
)

// #region clock
// Clock supplies time to the lock, applier and migration manager so tests can
// drive them without real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock. time.Now carries a monotonic reading, so elapsed
// time measured through it is immune to wall clock steps.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// #endregion clock

// #region fake
// Fake is a manually advanced clock. Sleep advances the clock instead of
// blocking, which makes polling loops deterministic.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Advance(d)
	return nil
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// AdvanceTo moves the clock forward to t. An earlier t leaves it unchanged.
func (f *Fake) AdvanceTo(t time.Time) {
	f.mu.Lock()
	if t.After(f.now) {
		f.now = t
	}
	f.mu.Unlock()
}

// #endregion fake
