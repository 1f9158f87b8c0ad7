// Package mirror implements the local mirror directory: the copy of the
// board's filesystem that the user edits.
package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	goSync "sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync"
)

// Store is a mirror directory on an afero filesystem. Paths passed to and
// returned by the Store are board paths, i.e. slash-separated and rooted at
// "/". They're translated to host paths under the root directory.
type Store struct {
	fs   afero.Fs
	root string

	lock goSync.Mutex

	// applied contains the fingerprints of the files that the board is
	// known to hold.
	applied map[string]sync.Fingerprint

	// ignore hides paths from Walk.
	ignore func(path string) bool
}

var _ sync.Store = &Store{}

// New returns a Store rooted at `root`, creating the directory if needed.
func New(fs afero.Fs, root string) (*Store, error) {
	root = filepath.Clean(root)
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, errors.LocalIOError{Op: "create mirror root", Path: root, Err: err}
	}

	return &Store{
		fs:      fs,
		root:    root,
		applied: map[string]sync.Fingerprint{},
	}, nil
}

// Root returns the host path of the mirror directory.
func (s *Store) Root() string {
	return s.root
}

// SetIgnore hides the paths matched by `ignore` from Walk. Ignored local
// files are never pushed, and never removed by Materialize.
func (s *Store) SetIgnore(ignore func(path string) bool) {
	s.ignore = ignore
}

// LocalPath returns the host path for the board path `path`.
func (s *Store) LocalPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(sync.Clean(path)))
}

// RemotePath returns the board path for the host path `local`.
func (s *Store) RemotePath(local string) (string, error) {
	rel, err := filepath.Rel(s.root, filepath.Clean(local))
	if err != nil {
		return "", errors.WithContext(err, "relative path")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside the mirror root %q", local, s.root)
	}
	return sync.Clean(filepath.ToSlash(rel)), nil
}

// Materialize makes the mirror directory contain exactly `entries`. Files
// whose content already matches are left untouched, and local entries that
// aren't in `entries` are removed.
func (s *Store) Materialize(entries []sync.RemoteEntry, fetch func(path string) ([]byte, error)) error {
	sorted := append([]sync.RemoteEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	want := map[string]bool{sync.Root: true}
	for _, entry := range sorted {
		path := sync.Clean(entry.Path)
		want[path] = true

		var err error
		if entry.Kind == sync.Directory {
			err = s.materializeDir(path)
		} else {
			err = s.materializeFile(path, fetch)
		}
		if err != nil {
			return err
		}
	}

	var extra []string
	err := s.Walk(func(local sync.LocalEntry) error {
		if !want[local.Path] {
			extra = append(extra, local.Path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deepest first, so that a directory's contents are gone before it is.
	sort.Slice(extra, func(i, j int) bool {
		return sync.Depth(extra[i]) > sync.Depth(extra[j])
	})
	for _, path := range extra {
		if err := s.fs.RemoveAll(s.LocalPath(path)); err != nil {
			return errors.LocalIOError{Op: "remove", Path: path, Err: err}
		}
		s.Forget(path)
	}
	return nil
}

func (s *Store) materializeDir(path string) error {
	local := s.LocalPath(path)
	if info, err := s.fs.Stat(local); err == nil && !info.IsDir() {
		if err := s.fs.Remove(local); err != nil {
			return errors.LocalIOError{Op: "remove", Path: path, Err: err}
		}
	}

	if err := s.fs.MkdirAll(local, 0755); err != nil {
		return errors.LocalIOError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

func (s *Store) materializeFile(path string, fetch func(path string) ([]byte, error)) error {
	contents, err := fetch(path)
	if err != nil {
		return errors.WithContext(err, "fetch "+path)
	}

	local := s.LocalPath(path)
	info, err := s.fs.Stat(local)
	switch {
	case err == nil && info.IsDir():
		if err := s.fs.RemoveAll(local); err != nil {
			return errors.LocalIOError{Op: "remove", Path: path, Err: err}
		}
	case err == nil && info.Size() == int64(len(contents)):
		hash, err := s.hash(local)
		if err == nil && hash == hashBytes(contents) {
			return nil
		}
	}

	if err := s.fs.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return errors.LocalIOError{Op: "mkdir", Path: sync.Parent(path), Err: err}
	}
	if err := afero.WriteFile(s.fs, local, contents, 0644); err != nil {
		return errors.LocalIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Walk calls `fn` for every entry in the mirror directory, parents before
// their children. Entries that disappear during the walk are skipped.
func (s *Store) Walk(fn func(sync.LocalEntry) error) error {
	return afero.Walk(s.fs, s.root, func(local string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.LocalIOError{Op: "walk", Path: local, Err: err}
		}

		path, err := s.RemotePath(local)
		if err != nil {
			return err
		}
		if path == sync.Root {
			return nil
		}
		if s.ignore != nil && s.ignore(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry, err := s.entry(path, info)
		if err != nil {
			var notFound errors.FileNotFound
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		return fn(entry)
	})
}

// Stat returns the entry at `path`.
func (s *Store) Stat(path string) (sync.LocalEntry, error) {
	path = sync.Clean(path)
	info, err := s.fs.Stat(s.LocalPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return sync.LocalEntry{}, errors.FileNotFound{Path: path}
		}
		return sync.LocalEntry{}, errors.LocalIOError{Op: "stat", Path: path, Err: err}
	}
	return s.entry(path, info)
}

func (s *Store) entry(path string, info os.FileInfo) (sync.LocalEntry, error) {
	entry := sync.LocalEntry{
		Path:    path,
		Kind:    sync.File,
		ModTime: info.ModTime(),
	}
	if info.IsDir() {
		entry.Kind = sync.Directory
		return entry, nil
	}

	hash, err := s.hash(s.LocalPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return sync.LocalEntry{}, errors.FileNotFound{Path: path}
		}
		return sync.LocalEntry{}, errors.LocalIOError{Op: "hash", Path: path, Err: err}
	}

	entry.Size = info.Size()
	entry.Fingerprint = sync.Fingerprint{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    hash,
	}
	return entry, nil
}

// ReadFile returns the contents of the file at `path`.
func (s *Store) ReadFile(path string) ([]byte, error) {
	path = sync.Clean(path)
	contents, err := afero.ReadFile(s.fs, s.LocalPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.LocalIOError{Op: "read", Path: path, Err: err}
	}
	return contents, nil
}

// ApplyRemoteResult records that the board holds the version of `path` with
// fingerprint `fp`.
func (s *Store) ApplyRemoteResult(path string, fp sync.Fingerprint) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.applied[sync.Clean(path)] = fp
}

// Forget drops the recorded fingerprints of `path` and anything inside it.
func (s *Store) Forget(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	path = sync.Clean(path)
	delete(s.applied, path)
	for p := range s.applied {
		if sync.IsWithin(p, path) {
			delete(s.applied, p)
		}
	}
}

// Unchanged returns whether the file at `path` is exactly the version that
// the board is known to hold. Change notifications for such files are
// echoes of our own writes, or touches that didn't change anything.
func (s *Store) Unchanged(path string) bool {
	path = sync.Clean(path)
	s.lock.Lock()
	applied, ok := s.applied[path]
	s.lock.Unlock()
	if !ok {
		return false
	}

	entry, err := s.Stat(path)
	return err == nil && entry.Kind == sync.File && entry.Fingerprint.Equal(applied)
}

func (s *Store) hash(local string) (string, error) {
	f, err := s.fs.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func hashBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
