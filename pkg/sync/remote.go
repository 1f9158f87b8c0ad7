package sync

import (
	"context"
	"sort"

	"github.com/sidkik/mcusync/pkg/errors"
)

// Remote is the board's filesystem. Paths are slash-separated and rooted at
// "/". Implementations return the error types in pkg/errors.
type Remote interface {
	// List returns the immediate children of the directory at `path`.
	List(ctx context.Context, path string) (*EntryIterator, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile atomically replaces the contents of `path`. If it fails, the
	// previous contents are unchanged.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Delete removes the file at `path`. Deleting an absent path succeeds.
	Delete(ctx context.Context, path string) error
	MakeDir(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string, recursive bool) error
	Stat(ctx context.Context, path string) (RemoteEntry, error)
}

// Store is the local mirror directory.
type Store interface {
	// Materialize makes the mirror directory contain exactly `entries`.
	// The contents of files are retrieved with `fetch`.
	Materialize(entries []RemoteEntry, fetch func(path string) ([]byte, error)) error

	// Walk calls `fn` for every entry in the mirror directory. Every call
	// rereads the filesystem.
	Walk(fn func(LocalEntry) error) error

	// Stat returns the entry at `path`, or errors.FileNotFound if it
	// doesn't exist.
	Stat(path string) (LocalEntry, error)
	ReadFile(path string) ([]byte, error)

	// ApplyRemoteResult records that the board holds the version of `path`
	// with the given fingerprint.
	ApplyRemoteResult(path string, fp Fingerprint)

	// Forget drops anything recorded for `path` by ApplyRemoteResult.
	Forget(path string)
}

// EntryIterator is a single pass over a sequence of RemoteEntries. It can't
// be restarted.
//
//	for it.Next() {
//		entry := it.Entry()
//	}
//	if err := it.Err(); err != nil {
//	}
type EntryIterator struct {
	next  func() (RemoteEntry, bool, error)
	entry RemoteEntry
	err   error
	done  bool
}

// NewEntryIterator returns an iterator that produces entries by calling
// `next` until it returns false or an error.
func NewEntryIterator(next func() (RemoteEntry, bool, error)) *EntryIterator {
	return &EntryIterator{next: next}
}

// SliceIterator returns an iterator over `entries`.
func SliceIterator(entries []RemoteEntry) *EntryIterator {
	i := 0
	return NewEntryIterator(func() (RemoteEntry, bool, error) {
		if i >= len(entries) {
			return RemoteEntry{}, false, nil
		}
		i++
		return entries[i-1], true, nil
	})
}

// Next advances to the next entry. It returns false once the sequence is
// exhausted or failed.
func (it *EntryIterator) Next() bool {
	if it.done {
		return false
	}

	entry, ok, err := it.next()
	if err != nil || !ok {
		it.done = true
		it.err = err
		return false
	}
	it.entry = entry
	return true
}

// Entry returns the current entry.
func (it *EntryIterator) Entry() RemoteEntry {
	return it.entry
}

// Err returns the error that stopped the iteration, if any.
func (it *EntryIterator) Err() error {
	return it.err
}

// Collect consumes the rest of the iterator.
func (it *EntryIterator) Collect() ([]RemoteEntry, error) {
	var entries []RemoteEntry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	return entries, it.Err()
}

// ListTree recursively lists everything inside `root`. The entries are
// sorted by path so that every directory precedes its contents.
func ListTree(ctx context.Context, remote Remote, root string) ([]RemoteEntry, error) {
	var entries []RemoteEntry
	toList := []string{Clean(root)}
	for len(toList) > 0 {
		dir := toList[0]
		toList = toList[1:]

		it, err := remote.List(ctx, dir)
		if err != nil {
			return nil, errors.WithContext(err, "list "+dir)
		}

		for it.Next() {
			entry := it.Entry()
			entry.Path = Clean(entry.Path)
			entries = append(entries, entry)
			if entry.Kind == Directory {
				toList = append(toList, entry.Path)
			}
		}
		if err := it.Err(); err != nil {
			return nil, errors.WithContext(err, "list "+dir)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}
