// Package migration upgrades a persona storage root to the full genome mode
// with a backup set and a one-shot rollback snapshot.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/clock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/lock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/metrics"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

const backupStampFormat = "20060102T150405.000000000Z"

// #region manager
// Manager migrates and rolls back one storage root under the write lock.
type Manager struct {
	store   *state.Store
	locker  *lock.Locker
	log     *logging.MigrationLog
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customizes a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option        { return func(m *Manager) { m.clock = c } }
func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.logger = l } }
func WithMetrics(x *metrics.Metrics) Option { return func(m *Manager) { m.metrics = x } }

// NewManager returns a manager for the store's root.
func NewManager(store *state.Store, locker *lock.Locker, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locker: locker,
		log:    logging.NewMigrationLog(store.Root()),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Log returns the append-only migration log.
func (m *Manager) Log() *logging.MigrationLog { return m.log }

// #endregion manager

// #region migrate
// MigrateToFull backs up every known document, records a snapshot, then
// re-saves the genome and epigenetics documents with provenance. Per-file
// failures are collected in the result. The error return is reserved for
// failing to take the lock.
func (m *Manager) MigrateToFull(ctx context.Context) (Result, error) {
	res, err := lock.WithLock(ctx, m.locker, func(context.Context) (Result, error) {
		return m.migrate(), nil
	})
	if err != nil {
		m.metrics.IncMigration("migrate", "lock_failed")
		return Result{}, err
	}
	status := "ok"
	switch {
	case res.Snapshot == nil:
		status = "refused"
	case !res.Success:
		status = "partial"
	}
	m.metrics.IncMigration("migrate", status)
	return res, nil
}

func (m *Manager) migrate() Result {
	res := Result{Errors: []string{}}
	if m.IsMigrated() {
		res.Errors = append(res.Errors, ErrAlreadyMigrated.Error())
		return res
	}

	now := m.clock.Now().UTC()
	genome := m.store.LoadFile(state.GenomeFile)
	epi := m.store.Load(state.DomainEpigenetics)
	fromMode := ModeLegacy
	if genome.Status == state.Present {
		if mode, ok := genome.Doc[KeyMode].(string); ok && mode != "" {
			fromMode = mode
		}
	}

	snap := &Snapshot{
		ID:          uuid.NewString(),
		Version:     SnapshotVersion,
		MigratedAt:  now,
		FromMode:    fromMode,
		ToMode:      ModeFull,
		BackupPaths: []string{},

		GenomeExisted:      genome.Status != state.Absent,
		EpigeneticsExisted: epi.Status != state.Absent,
	}
	if genome.Status == state.Present {
		snap.GenomeBefore = genome.Doc
	}
	if epi.Status == state.Present {
		snap.EpigeneticsBefore = epi.Doc
	}

	// Backups first: nothing is mutated until they are durable.
	backupRel := filepath.Join(state.BackupDir, now.Format(backupStampFormat))
	backupAbs := filepath.Join(m.store.Root(), backupRel)
	if err := os.MkdirAll(backupAbs, 0o755); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("create backup dir: %v", err))
		return res
	}
	failed := make(map[string]bool)
	for _, name := range knownFiles() {
		src := filepath.Join(m.store.Root(), name)
		err := copyFile(src, filepath.Join(backupAbs, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			failed[name] = true
			res.Errors = append(res.Errors, fmt.Sprintf("backup %s: %v", name, err))
			continue
		}
		snap.BackupPaths = append(snap.BackupPaths, filepath.ToSlash(filepath.Join(backupRel, name)))
	}

	if err := m.writeSnapshot(snap); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.Snapshot = snap

	provenance := map[string]any{
		"migratedAt": now.Format("2006-01-02T15:04:05.999999999Z07:00"),
		"snapshotId": snap.ID,
		"fromMode":   fromMode,
		"toMode":     ModeFull,
	}
	if !failed[state.GenomeFile] {
		doc := genome.OrEmpty().Clone()
		doc[KeyMode] = ModeFull
		doc[KeyProvenance] = provenance
		if err := m.store.WriteFile(state.GenomeFile, doc); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("migrate %s: %v", state.GenomeFile, err))
		}
	}
	epiFile, _ := state.DomainEpigenetics.FileName()
	if !failed[epiFile] {
		doc := epi.OrEmpty().Clone()
		doc[KeyProvenance] = provenance
		if err := m.store.Write(state.DomainEpigenetics, doc); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("migrate %s: %v", epiFile, err))
		}
	}

	if err := m.log.Append(logging.MigrationEvent{
		At:                now,
		From:              fromMode,
		To:                ModeFull,
		Reason:            "migrate to full",
		SnapshotID:        snap.ID,
		RollbackAvailable: true,
	}); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.Success = len(res.Errors) == 0
	m.logger.Info("persona migrated",
		"root", m.store.Root(),
		"snapshot", snap.ID,
		"backups", len(snap.BackupPaths),
		"errors", len(res.Errors))
	return res
}

// #endregion migrate

// #region snapshot
// IsMigrated reports whether a rollback snapshot exists.
func (m *Manager) IsMigrated() bool {
	return m.store.Exists(state.SnapshotFile)
}

// LoadSnapshot reads the rollback snapshot. ok is false when none exists.
func (m *Manager) LoadSnapshot() (Snapshot, bool, error) {
	data, err := os.ReadFile(filepath.Join(m.store.Root(), state.SnapshotFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, true, nil
}

func (m *Manager) writeSnapshot(snap *Snapshot) error {
	data, err := state.MarshalDocument(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := state.WriteFileAtomic(filepath.Join(m.store.Root(), state.SnapshotFile), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// #endregion snapshot

// #region rollback
// RollbackMigration restores the backup set and consumes the snapshot. It
// returns false, changing nothing, when no snapshot exists. A restore failure
// keeps the snapshot so the rollback can be retried.
func (m *Manager) RollbackMigration(ctx context.Context) (bool, error) {
	ok, err := lock.WithLock(ctx, m.locker, func(context.Context) (bool, error) {
		return m.rollback()
	})
	switch {
	case err != nil:
		m.metrics.IncMigration("rollback", "failed")
	case ok:
		m.metrics.IncMigration("rollback", "ok")
	default:
		m.metrics.IncMigration("rollback", "none")
	}
	return ok, err
}

func (m *Manager) rollback() (bool, error) {
	snap, ok, err := m.LoadSnapshot()
	if err != nil || !ok {
		return false, err
	}

	root := m.store.Root()
	var errs []error
	for _, rel := range snap.BackupPaths {
		name := filepath.Base(filepath.FromSlash(rel))
		if err := copyFile(filepath.Join(root, filepath.FromSlash(rel)), filepath.Join(root, name)); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
		}
	}
	// Only documents the migration created are removed; corrupt ones came back
	// from their backups above.
	if !snap.existedBefore(state.GenomeFile, snap.GenomeExisted) {
		if err := m.store.Remove(state.GenomeFile); err != nil {
			errs = append(errs, err)
		}
	}
	epiFile, _ := state.DomainEpigenetics.FileName()
	if !snap.existedBefore(epiFile, snap.EpigeneticsExisted) {
		if err := m.store.Remove(epiFile); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return false, fmt.Errorf("rollback %s: %w", snap.ID, errors.Join(errs...))
	}

	if err := m.store.Remove(state.SnapshotFile); err != nil {
		return false, fmt.Errorf("rollback %s: %w", snap.ID, err)
	}
	if err := m.log.Append(logging.MigrationEvent{
		At:                m.clock.Now().UTC(),
		From:              snap.ToMode,
		To:                snap.FromMode,
		Reason:            "rollback",
		SnapshotID:        snap.ID,
		RollbackAvailable: false,
	}); err != nil {
		m.logger.Warn("migration log append failed", "error", err)
	}
	m.logger.Info("persona migration rolled back", "root", root, "snapshot", snap.ID)
	return true, nil
}

// #endregion rollback

// #region files
// knownFiles lists every document a migration backs up.
func knownFiles() []string {
	names := []string{state.GenomeFile}
	for _, d := range state.AllDomains() {
		name, _ := d.FileName()
		names = append(names, name)
	}
	return names
}

// copyFile copies src to dst durably. A missing src returns fs.ErrNotExist.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(dst, data, info.Mode().Perm())
}

// #endregion files
