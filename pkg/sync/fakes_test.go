package sync

import (
	"context"
	"fmt"
	"sort"
	goSync "sync"
	"time"

	"github.com/sidkik/mcusync/pkg/errors"
)

// fakeRemote is an in-memory board filesystem that records every operation.
type fakeRemote struct {
	lock     goSync.Mutex
	entries  map[string]RemoteEntry
	contents map[string][]byte
	ops      []string

	// failures maps operations, e.g. "write /boot.py", to the error they
	// should return.
	failures map[string]error

	// writeStarted and release let tests pause a write while it's in
	// flight.
	writeStarted chan string
	release      chan struct{}

	inFlight    map[string]int
	maxInFlight int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entries:  map[string]RemoteEntry{},
		contents: map[string][]byte{},
		failures: map[string]error{},
		inFlight: map[string]int{},
	}
}

func (r *fakeRemote) addFile(path, contents string) {
	r.entries[path] = RemoteEntry{Path: path, Kind: File, Size: int64(len(contents))}
	r.contents[path] = []byte(contents)
}

func (r *fakeRemote) addDir(path string) {
	r.entries[path] = RemoteEntry{Path: path, Kind: Directory}
}

func (r *fakeRemote) record(op, path string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := op + " " + path
	r.ops = append(r.ops, key)
	return r.failures[key]
}

func (r *fakeRemote) getOps() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.ops...)
}

func (r *fakeRemote) resetOps() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ops = nil
}

func (r *fakeRemote) List(ctx context.Context, path string) (*EntryIterator, error) {
	if err := r.record("list", path); err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if entry, ok := r.entries[path]; path != Root && (!ok || entry.Kind != Directory) {
		return nil, errors.RemoteError{Kind: errors.RemotePathNotFound, Op: "list", Path: path}
	}

	var children []RemoteEntry
	for p, entry := range r.entries {
		if Parent(p) == path && p != Root {
			children = append(children, entry)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Path < children[j].Path
	})
	return SliceIterator(children), nil
}

func (r *fakeRemote) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := r.record("read", path); err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	contents, ok := r.contents[path]
	if !ok {
		return nil, errors.RemoteError{Kind: errors.RemotePathNotFound, Op: "read", Path: path}
	}
	return contents, nil
}

func (r *fakeRemote) WriteFile(ctx context.Context, path string, data []byte) error {
	r.lock.Lock()
	r.inFlight[path]++
	if r.inFlight[path] > r.maxInFlight {
		r.maxInFlight = r.inFlight[path]
	}
	writeStarted, release := r.writeStarted, r.release
	r.lock.Unlock()

	defer func() {
		r.lock.Lock()
		r.inFlight[path]--
		r.lock.Unlock()
	}()

	if writeStarted != nil {
		writeStarted <- path
		<-release
	}

	if err := r.record("write", path); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if parent, ok := r.entries[Parent(path)]; Parent(path) != Root && (!ok || parent.Kind != Directory) {
		return errors.RemoteError{Kind: errors.RemoteWriteError, Op: "write", Path: path}
	}
	r.entries[path] = RemoteEntry{Path: path, Kind: File, Size: int64(len(data))}
	r.contents[path] = append([]byte{}, data...)
	return nil
}

func (r *fakeRemote) Delete(ctx context.Context, path string) error {
	if err := r.record("delete", path); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.entries, path)
	delete(r.contents, path)
	return nil
}

func (r *fakeRemote) MakeDir(ctx context.Context, path string) error {
	if err := r.record("mkdir", path); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries[path] = RemoteEntry{Path: path, Kind: Directory}
	return nil
}

func (r *fakeRemote) RemoveDir(ctx context.Context, path string, recursive bool) error {
	op := "rmdir"
	if recursive {
		op = "rmdir -r"
	}
	if err := r.record(op, path); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	for p := range r.entries {
		if IsWithin(p, path) {
			if !recursive {
				return errors.RemoteError{Kind: errors.RemoteDirNotEmpty, Op: "rmdir", Path: path}
			}
			delete(r.entries, p)
			delete(r.contents, p)
		}
	}
	delete(r.entries, path)
	return nil
}

func (r *fakeRemote) Stat(ctx context.Context, path string) (RemoteEntry, error) {
	if err := r.record("stat", path); err != nil {
		return RemoteEntry{}, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[path]
	if !ok {
		return RemoteEntry{}, errors.RemoteError{Kind: errors.RemotePathNotFound, Op: "stat", Path: path}
	}
	return entry, nil
}

// fakeStore is an in-memory mirror directory.
type fakeStore struct {
	lock     goSync.Mutex
	dirs     map[string]bool
	files    map[string][]byte
	modTimes map[string]time.Time
	applied  map[string]Fingerprint
	version  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		dirs:     map[string]bool{},
		files:    map[string][]byte{},
		modTimes: map[string]time.Time{},
		applied:  map[string]Fingerprint{},
	}
}

func (s *fakeStore) writeFile(path, contents string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.version++
	s.files[path] = []byte(contents)
	s.modTimes[path] = time.Unix(s.version, 0)
}

func (s *fakeStore) mkdir(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.dirs[path] = true
}

func (s *fakeStore) remove(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for p := range s.dirs {
		if p == path || IsWithin(p, path) {
			delete(s.dirs, p)
		}
	}
	for p := range s.files {
		if p == path || IsWithin(p, path) {
			delete(s.files, p)
		}
	}
}

func (s *fakeStore) Materialize(entries []RemoteEntry, fetch func(string) ([]byte, error)) error {
	dirs := map[string]bool{}
	files := map[string][]byte{}
	for _, entry := range entries {
		if entry.Kind == Directory {
			dirs[entry.Path] = true
			continue
		}

		contents, err := fetch(entry.Path)
		if err != nil {
			return err
		}
		files[entry.Path] = contents
	}

	s.lock.Lock()
	s.dirs = dirs
	s.files = map[string][]byte{}
	s.lock.Unlock()

	for path, contents := range files {
		s.writeFile(path, string(contents))
	}
	return nil
}

func (s *fakeStore) Walk(fn func(LocalEntry) error) error {
	s.lock.Lock()
	var paths []string
	for p := range s.dirs {
		paths = append(paths, p)
	}
	for p := range s.files {
		paths = append(paths, p)
	}
	s.lock.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		entry, err := s.Stat(p)
		if err != nil {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) Stat(path string) (LocalEntry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.dirs[path] {
		return LocalEntry{Path: path, Kind: Directory}, nil
	}

	contents, ok := s.files[path]
	if !ok {
		return LocalEntry{}, errors.FileNotFound{Path: path}
	}

	fp := Fingerprint{
		Size:    int64(len(contents)),
		ModTime: s.modTimes[path],
		Hash:    fmt.Sprintf("%x", contents),
	}
	return LocalEntry{
		Path:        path,
		Kind:        File,
		Size:        fp.Size,
		ModTime:     fp.ModTime,
		Fingerprint: fp,
	}, nil
}

func (s *fakeStore) ReadFile(path string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	contents, ok := s.files[path]
	if !ok {
		return nil, errors.FileNotFound{Path: path}
	}
	return contents, nil
}

func (s *fakeStore) ApplyRemoteResult(path string, fp Fingerprint) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.applied[path] = fp
}

func (s *fakeStore) Forget(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.applied, path)
}
