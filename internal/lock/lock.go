// Package lock provides the persona write lock: a lease file in the storage
// root that serializes writers across processes.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/clock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/metrics"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region config
// Config holds lease timing.
type Config struct {
	TTL          time.Duration // lease lifetime written into the lock file
	PollInterval time.Duration // wait between acquisition attempts
	Timeout      time.Duration // give up after this long
}

// DefaultConfig returns a 30s lease polled every 50ms for up to 10s.
func DefaultConfig() Config {
	return Config{
		TTL:          30 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Timeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// #endregion config

// #region lease
// Lease is the content of the lock file.
type Lease struct {
	PID       int       `json:"pid"`
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token"`
}

// Stale reports whether the lease may be reclaimed.
func (l Lease) Stale(now time.Time, alive func(int) bool) bool {
	return !now.Before(l.ExpiresAt) || !alive(l.PID)
}

// #endregion lease

// #region errors
// ErrTimeout is wrapped by every acquisition timeout.
var ErrTimeout = errors.New("persona lock: acquisition timed out")

// TimeoutError names the believed holder of a lock we could not take.
type TimeoutError struct {
	Path   string
	Holder Lease
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"persona lock %s still held by pid %d (lease expires %s) after waiting %s; if that process is gone, remove %s manually",
		e.Path, e.Holder.PID, e.Holder.ExpiresAt.Format(time.RFC3339), e.Waited, e.Path)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// #endregion errors

// #region state
// State is the locker lifecycle: Idle -> Acquiring -> Held -> Released.
// A released locker may acquire again.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateHeld
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// #endregion state

// #region locker
// Locker acquires and releases the lease for one storage root. Callers in the
// same process share the Locker; it serializes them before touching the file.
type Locker struct {
	path    string
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	pid     int
	alive   func(int) bool

	slot  chan struct{}
	state State
	token string
}

// Option customizes a Locker.
type Option func(*Locker)

func WithClock(c clock.Clock) Option           { return func(l *Locker) { l.clock = c } }
func WithLogger(lg *slog.Logger) Option        { return func(l *Locker) { l.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option    { return func(l *Locker) { l.metrics = m } }
func withLiveness(alive func(int) bool) Option { return func(l *Locker) { l.alive = alive } }
func withPID(pid int) Option                   { return func(l *Locker) { l.pid = pid } }

// NewLocker returns an idle locker for the lease file in root.
func NewLocker(root string, config Config, opts ...Option) *Locker {
	l := &Locker{
		path:   filepath.Join(root, state.LockFile),
		config: config.withDefaults(),
		clock:  clock.Real{},
		logger: slog.Default(),
		pid:    os.Getpid(),
		alive:  processAlive,
		slot:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path is the lease file location.
func (l *Locker) Path() string { return l.path }

// State returns the lifecycle state. Only meaningful to the goroutine holding
// or acquiring the lock.
func (l *Locker) State() State { return l.state }

// Holder reads the current lease, if any.
func (l *Locker) Holder() (Lease, bool) {
	lease, err := readLease(l.path)
	if err != nil {
		return Lease{}, false
	}
	return lease, true
}

// Acquire blocks until the lease is ours, the timeout elapses or ctx is done.
func (l *Locker) Acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.state = StateAcquiring
	start := l.clock.Now()
	deadline := start.Add(l.config.Timeout)
	token := uuid.NewString()

	for {
		won, holder, err := l.attempt(token)
		if err != nil {
			l.logger.Warn("persona lock attempt failed", "path", l.path, "error", err)
		}
		if won {
			l.token = token
			l.state = StateHeld
			l.metrics.ObserveLockWait(l.clock.Now().Sub(start))
			l.logger.Debug("persona lock acquired", "path", l.path, "token", token)
			return nil
		}
		if !l.clock.Now().Before(deadline) {
			l.fail()
			l.metrics.IncLockTimeout()
			if latest, ok := l.Holder(); ok {
				holder = latest
			}
			return &TimeoutError{Path: l.path, Holder: holder, Waited: l.clock.Now().Sub(start)}
		}
		if err := l.clock.Sleep(ctx, l.config.PollInterval); err != nil {
			l.fail()
			return fmt.Errorf("acquire persona lock: %w", err)
		}
	}
}

func (l *Locker) fail() {
	l.state = StateIdle
	<-l.slot
}

// attempt makes one acquisition try: claim an absent lease, reclaim a stale
// one, then re-read to confirm the token on disk is ours.
func (l *Locker) attempt(token string) (bool, Lease, error) {
	now := l.clock.Now()
	current, err := readLease(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		// unreadable lease: nobody can prove ownership, so reclaim it
		l.logger.Warn("persona lock file unreadable, reclaiming", "path", l.path, "error", err)
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return false, Lease{}, fmt.Errorf("remove corrupt lease: %w", rmErr)
		}
	case current.Stale(now, l.alive):
		l.logger.Info("reclaiming stale persona lock", "path", l.path, "pid", current.PID, "expiresAt", current.ExpiresAt)
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return false, current, fmt.Errorf("remove stale lease: %w", rmErr)
		}
	default:
		return false, current, nil
	}

	mine := Lease{PID: l.pid, ExpiresAt: now.Add(l.config.TTL), Token: token}
	if err := createLease(l.path, mine); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, current, nil
		}
		return false, current, err
	}

	confirmed, err := readLease(l.path)
	if err != nil {
		return false, current, fmt.Errorf("confirm lease: %w", err)
	}
	return confirmed.Token == token, confirmed, nil
}

// Release removes the lease if it is still ours. It is safe to call when the
// lock is not held.
func (l *Locker) Release() error {
	if l.state != StateHeld {
		return nil
	}
	defer func() {
		l.state = StateReleased
		l.token = ""
		<-l.slot
	}()

	current, err := readLease(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && current.Token != l.token {
		l.logger.Warn("persona lock taken over before release", "path", l.path, "holderPID", current.PID)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release persona lock: %w", err)
	}
	return nil
}

// #endregion locker

// #region with-lock
// WithLock runs fn while holding the lock. Release always runs, even when fn
// fails; a release error is logged and does not mask fn's result.
func WithLock[T any](ctx context.Context, l *Locker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.Acquire(ctx); err != nil {
		return zero, err
	}
	defer func() {
		if err := l.Release(); err != nil {
			l.logger.Warn("persona lock release failed", "path", l.path, "error", err)
		}
	}()
	return fn(ctx)
}

// #endregion with-lock

// #region file
func readLease(path string) (Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lease{}, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return Lease{}, fmt.Errorf("decode lease %s: %w", path, err)
	}
	return lease, nil
}

// createLease publishes a complete lease file only if none exists. The lease
// is written to a temp file and hard-linked into place, so readers never see a
// partially written lease.
func createLease(path string, lease Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*.tmp")
	if err != nil {
		return fmt.Errorf("create lease temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write lease temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync lease temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close lease temp: %w", err)
	}
	if err := os.Link(tmpName, path); err != nil {
		return err
	}
	return nil
}

// #endregion file
