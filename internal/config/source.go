package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// #region provider
// Provider hands out the policy in force for the next proposal.
type Provider interface {
	Current() Policy
}

// StaticPolicy is a Provider that never changes.
type StaticPolicy Policy

func (s StaticPolicy) Current() Policy { return Policy(s) }

// #endregion provider

// #region source
// PolicySource is a reloadable policy file. Readers always see a complete
// policy: a reload that fails to parse keeps the previous one.
type PolicySource struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	current  Policy
	onReload func(Policy)
}

// NewPolicySource loads path once with LoadPolicy semantics. A nil logger
// uses slog.Default.
func NewPolicySource(path string, logger *slog.Logger) *PolicySource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicySource{
		path:    path,
		logger:  logger,
		current: LoadPolicy(path, logger),
	}
}

// Path is the watched policy file.
func (s *PolicySource) Path() string { return s.path }

// Current returns the policy in force.
func (s *PolicySource) Current() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnReload registers fn to run after every successful reload.
func (s *PolicySource) OnReload(fn func(Policy)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// Reload re-reads the file. On error the previous policy stays in force.
func (s *PolicySource) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := ReadPolicy(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = p
	fn := s.onReload
	s.mu.Unlock()

	s.logger.Info("policy reloaded", "path", s.path, "rules", len(p.Table.Rules()))
	if fn != nil {
		fn(p)
	}
	return nil
}

// #endregion source

// #region watch
// Watch reloads the policy whenever its file changes until ctx is done. The
// watch is registered before Watch returns; events are handled in the
// background. The parent directory is watched so editors that replace the
// file by rename are seen.
func (s *PolicySource) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch policy: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy: %w", err)
	}
	target := filepath.Clean(s.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("policy reload failed, keeping previous", "path", s.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// #endregion watch
