package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/clock"
)

// #region store-struct
// Store reads and writes the JSON documents under one persona storage root.
// It performs no locking; callers serialize writers with the persona write lock.
type Store struct {
	root  string
	clock clock.Clock
}

// #endregion store-struct

// #region constructor
// NewStore creates the storage root if needed. A nil clock uses wall time.
func NewStore(root string, clk clock.Clock) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{root: root, clock: clk}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the document path for d.
func (s *Store) Path(d Domain) (string, error) {
	name, ok := d.FileName()
	if !ok {
		return "", fmt.Errorf("unknown domain %q", d)
	}
	return filepath.Join(s.root, name), nil
}

// #endregion constructor

// #region load
// Load reads the document for d. It never fails: errors surface as a Corrupt result.
func (s *Store) Load(d Domain) LoadResult {
	name, ok := d.FileName()
	if !ok {
		return LoadResult{Status: Corrupt, Err: fmt.Errorf("unknown domain %q", d)}
	}
	return s.LoadFile(name)
}

// LoadFile reads a document by file name relative to the root.
func (s *Store) LoadFile(name string) LoadResult {
	path := filepath.Join(s.root, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return LoadResult{Status: Absent}
	}
	if err != nil {
		return LoadResult{Status: Corrupt, Err: fmt.Errorf("read %s: %w", name, err)}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return LoadResult{Status: Corrupt, Err: fmt.Errorf("parse %s: %w", name, err)}
	}
	if doc == nil {
		// literal null
		return LoadResult{Status: Corrupt, Err: fmt.Errorf("parse %s: document is null", name)}
	}
	var mtime time.Time
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime()
	}
	normalize(doc, mtime)
	return LoadResult{Status: Present, Doc: doc}
}

// Exists reports whether a file is present at the root.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.root, name))
	return err == nil
}

// normalize defaults schemaVersion and updatedAt in place.
func normalize(doc Document, mtime time.Time) {
	switch v := doc[KeySchemaVersion].(type) {
	case float64:
		if v < 1 || v != float64(int(v)) {
			doc[KeySchemaVersion] = CurrentSchemaVersion
		}
	default:
		doc[KeySchemaVersion] = CurrentSchemaVersion
	}
	if s, ok := doc[KeyUpdatedAt].(string); ok {
		if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return
		}
	}
	doc[KeyUpdatedAt] = mtime.UTC().Format(time.RFC3339Nano)
}

// #endregion load

// #region write
// Write replaces the document for d atomically, stamping updatedAt.
func (s *Store) Write(d Domain, doc Document) error {
	name, ok := d.FileName()
	if !ok {
		return fmt.Errorf("unknown domain %q", d)
	}
	return s.WriteFile(name, doc)
}

// WriteFile replaces a document by file name atomically, stamping updatedAt.
func (s *Store) WriteFile(name string, doc Document) error {
	out := doc.Clone()
	if _, ok := out[KeySchemaVersion]; !ok {
		out[KeySchemaVersion] = CurrentSchemaVersion
	}
	out[KeyUpdatedAt] = s.clock.Now().UTC().Format(time.RFC3339Nano)
	data, err := MarshalDocument(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := WriteFileAtomic(filepath.Join(s.root, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Remove deletes a file at the root. A missing file is not an error.
func (s *Store) Remove(name string) error {
	err := os.Remove(filepath.Join(s.root, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// MarshalDocument encodes v as 2-space indented JSON with a trailing newline.
func MarshalDocument(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over path. Readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// syncDir flushes a directory entry update. Best effort: not every platform
// allows opening a directory for sync.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	f.Sync()
	f.Close()
}

// #endregion write
