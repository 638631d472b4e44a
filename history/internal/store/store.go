package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/viewtrail/horosafe"
)

const fileExt = ".json"

// FileStore keeps records as <dir>/<uid>.json.
type FileStore struct {
	dir   string
	locks keyedMutex
}

// New creates a FileStore rooted at dir. The directory is created on first
// write if missing.
func New(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the record file path for uid after validating it.
func (s *FileStore) Path(uid string) (string, error) {
	if err := horosafe.ValidateNumericID(uid); err != nil {
		return "", err
	}
	return horosafe.SafePath(s.dir, uid+fileExt)
}

// Exists reports whether uid has a stored record.
func (s *FileStore) Exists(uid string) bool {
	p, err := s.Path(uid)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Load reads the record for uid. A missing record yields an empty one with
// a non-nil list.
func (s *FileStore) Load(uid string) (*Record, error) {
	p, err := s.Path(uid)
	if err != nil {
		return nil, err
	}
	return readRecord(p)
}

// Update runs fn on the current record and writes the result back, holding
// the per-user lock for the whole cycle. If fn returns an error nothing is
// written.
func (s *FileStore) Update(uid string, fn func(*Record) error) error {
	p, err := s.Path(uid)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(uid)
	defer unlock()

	rec, err := readRecord(p)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.write(p, rec)
}

// Replace overwrites the record for uid.
func (s *FileStore) Replace(uid string, rec *Record) error {
	if rec == nil {
		return ErrNilRecord
	}
	p, err := s.Path(uid)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(uid)
	defer unlock()
	return s.write(p, rec)
}

// Delete removes the record for uid. Deleting a missing record is not an
// error.
func (s *FileStore) Delete(uid string) error {
	p, err := s.Path(uid)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(uid)
	defer unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: delete %s: %w", uid, err)
	}
	return nil
}

// ModifiedBefore lists the users whose record file was last written before
// cutoff.
func (s *FileStore) ModifiedBefore(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read dir: %w", err)
	}
	var uids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		uid := strings.TrimSuffix(name, fileExt)
		if horosafe.ValidateNumericID(uid) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Record{List: []Item{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if rec.List == nil {
		rec.List = []Item{}
	}
	return &rec, nil
}

// write replaces path atomically: a reader sees either the previous record
// or the new one, never a partial file.
func (s *FileStore) write(path string, rec *Record) error {
	if rec.List == nil {
		rec.List = []Item{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", s.dir, err)
	}

	f, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
