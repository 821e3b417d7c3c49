package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region jsonl
// appendLine writes v as one JSON line and fsyncs before returning. The line
// is written with a single Write on an O_APPEND descriptor.
func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log line: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// readLines decodes every line of a JSONL file. A missing file is empty.
// Blank lines are skipped; a malformed line fails with its line number.
func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return out, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// #endregion jsonl

// #region trace-log
// TraceLog is the append-only delta_trace.jsonl of a storage root.
type TraceLog struct {
	path string
	mu   sync.Mutex
}

// NewTraceLog returns the trace log of root.
func NewTraceLog(root string) *TraceLog {
	return &TraceLog{path: filepath.Join(root, state.TraceFile)}
}

// Path is the JSONL file location.
func (l *TraceLog) Path() string { return l.path }

// Append writes one commit record.
func (l *TraceLog) Append(rec DeltaCommitResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.path, rec)
}

// Read returns every recorded transaction in append order.
func (l *TraceLog) Read() ([]DeltaCommitResult, error) {
	return ReadTrace(l.path)
}

// ReadTrace decodes a delta_trace.jsonl file.
func ReadTrace(path string) ([]DeltaCommitResult, error) {
	return readLines[DeltaCommitResult](path)
}

// #endregion trace-log

// #region migration-log
// MigrationLog is the append-only migration_log.jsonl of a storage root.
type MigrationLog struct {
	path string
	mu   sync.Mutex
}

// NewMigrationLog returns the migration log of root.
func NewMigrationLog(root string) *MigrationLog {
	return &MigrationLog{path: filepath.Join(root, state.MigrationLogFile)}
}

func (l *MigrationLog) Append(ev MigrationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLine(l.path, ev)
}

func (l *MigrationLog) Read() ([]MigrationEvent, error) {
	return readLines[MigrationEvent](l.path)
}

// #endregion migration-log
