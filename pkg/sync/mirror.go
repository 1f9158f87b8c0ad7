package sync

import (
	"sort"
	goSync "sync"
)

// MirrorSnapshot maps paths to what we believe the board holds at them.
type MirrorSnapshot map[string]RemoteEntry

// LocalSnapshot maps paths to the current state of the mirror directory.
type LocalSnapshot map[string]LocalEntry

// MirrorState tracks the entries that the board confirmed. It's only
// updated after a remote operation succeeds.
type MirrorState struct {
	entries MirrorSnapshot
	lock    goSync.Mutex
}

// NewMirrorState returns an empty MirrorState.
func NewMirrorState() *MirrorState {
	return &MirrorState{entries: MirrorSnapshot{}}
}

// Mirrored records that the board holds `entry`.
func (state *MirrorState) Mirrored(entry RemoteEntry) {
	state.lock.Lock()
	defer state.lock.Unlock()
	state.entries[Clean(entry.Path)] = entry
}

// Removed records that `path`, and anything inside it, no longer exists on
// the board.
func (state *MirrorState) Removed(path string) {
	state.lock.Lock()
	defer state.lock.Unlock()

	path = Clean(path)
	delete(state.entries, path)
	for p := range state.entries {
		if IsWithin(p, path) {
			delete(state.entries, p)
		}
	}
}

// Get returns the entry at `path`.
func (state *MirrorState) Get(path string) (RemoteEntry, bool) {
	state.lock.Lock()
	defer state.lock.Unlock()

	entry, ok := state.entries[Clean(path)]
	return entry, ok
}

// Descendants returns the entries inside `dir`, sorted by path.
func (state *MirrorState) Descendants(dir string) []RemoteEntry {
	state.lock.Lock()
	defer state.lock.Unlock()

	var descendants []RemoteEntry
	for p, entry := range state.entries {
		if IsWithin(p, dir) {
			descendants = append(descendants, entry)
		}
	}
	sort.Slice(descendants, func(i, j int) bool {
		return descendants[i].Path < descendants[j].Path
	})
	return descendants
}

// Len returns the number of tracked entries.
func (state *MirrorState) Len() int {
	state.lock.Lock()
	defer state.lock.Unlock()
	return len(state.entries)
}

// GetSnapshot returns a copy of the tracked entries.
func (state *MirrorState) GetSnapshot() MirrorSnapshot {
	state.lock.Lock()
	defer state.lock.Unlock()

	// Copy the underlying snapshot because maps are reference types.
	snapshotCopy := MirrorSnapshot{}
	for k, v := range state.entries {
		snapshotCopy[k] = v
	}
	return snapshotCopy
}

// Diff returns the events that would bring `mirror` in line with the local
// snapshot, sorted by path.
func (local LocalSnapshot) Diff(mirror MirrorSnapshot) []ChangeEvent {
	var events []ChangeEvent
	for path, exp := range local {
		if path == Root {
			continue
		}

		curr, ok := mirror[path]
		switch {
		case !ok:
			events = append(events, ChangeEvent{Path: path, Kind: Created})
		case curr.Kind != exp.Kind:
			events = append(events, ChangeEvent{Path: path, Kind: Modified})
		case exp.Kind == File && curr.Fingerprint != exp.Fingerprint.String():
			events = append(events, ChangeEvent{Path: path, Kind: Modified})
		}
	}

	for path := range mirror {
		if _, ok := local[path]; !ok && path != Root {
			events = append(events, ChangeEvent{Path: path, Kind: Deleted})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Path < events[j].Path
	})
	return events
}
