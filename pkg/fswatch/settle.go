package fswatch

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sidkik/mcusync/pkg/sync"
)

// DefaultSettleWindow is how long a path must be quiet before its changes
// are reported.
const DefaultSettleWindow = 400 * time.Millisecond

// Settler buffers raw change notifications per path, and only releases a
// path's ChangeEvent once the path has been quiet for the settle window.
// Editors often save a file with several writes, or by deleting and
// recreating it, and the intermediate states shouldn't be pushed.
//
// Settler isn't safe for concurrent use.
type Settler struct {
	window time.Duration
	clock  clockwork.Clock

	pending map[string]*pendingEvent

	// renameSource is the path most recently renamed away, waiting for the
	// creation of its new name.
	renameSource string
}

type pendingEvent struct {
	event    sync.ChangeEvent
	lastSeen time.Time

	// renameSource is set for the old name of a rename that hasn't been
	// paired with its new name yet. It's reported as a deletion if the
	// pairing never happens.
	renameSource bool
}

// NewSettler returns a Settler with the given window.
func NewSettler(window time.Duration, clock clockwork.Clock) *Settler {
	if window <= 0 {
		window = DefaultSettleWindow
	}
	return &Settler{
		window:  window,
		clock:   clock,
		pending: map[string]*pendingEvent{},
	}
}

// Add records a change to `path`.
func (s *Settler) Add(path string, kind sync.EventKind) {
	path = sync.Clean(path)
	now := s.clock.Now()

	if kind == sync.Created {
		if oldPath, ok := s.takeRenameSource(path); ok {
			s.merge(sync.ChangeEvent{Path: path, OldPath: oldPath, Kind: sync.Renamed}, now)
			return
		}
	}
	s.merge(sync.ChangeEvent{Path: path, Kind: kind}, now)
}

// AddRenameSource records that `path` was renamed to a name that isn't
// known yet. If a creation follows within the window, the two are reported
// as one Renamed event.
func (s *Settler) AddRenameSource(path string) {
	path = sync.Clean(path)
	s.merge(sync.ChangeEvent{Path: path, Kind: sync.Deleted}, s.clock.Now())
	s.pending[path].renameSource = true
	s.renameSource = path
}

func (s *Settler) takeRenameSource(newPath string) (string, bool) {
	oldPath := s.renameSource
	s.renameSource = ""
	if oldPath == "" || oldPath == newPath {
		return "", false
	}

	pending, ok := s.pending[oldPath]
	if !ok || !pending.renameSource {
		return "", false
	}
	if s.clock.Now().Sub(pending.lastSeen) >= s.window {
		return "", false
	}

	delete(s.pending, oldPath)
	return oldPath, true
}

func (s *Settler) merge(event sync.ChangeEvent, now time.Time) {
	prev, ok := s.pending[event.Path]
	if !ok {
		s.pending[event.Path] = &pendingEvent{event: event, lastSeen: now}
		return
	}

	prev.lastSeen = now
	prev.renameSource = false
	prev.event = mergeEvents(prev.event, event)
}

// mergeEvents returns the single event that describes `prev` followed by
// `next` on the same path.
func mergeEvents(prev, next sync.ChangeEvent) sync.ChangeEvent {
	switch {
	case prev.Kind == sync.Deleted && next.Kind == sync.Created:
		next.Kind = sync.Modified
	case prev.Kind == sync.Created && next.Kind == sync.Modified:
		next.Kind = sync.Created
	case prev.Kind == sync.Renamed && next.Kind != sync.Deleted:
		// The old name still has to be deleted.
		next.Kind = sync.Renamed
		next.OldPath = prev.OldPath
	case prev.Kind == sync.Renamed && next.Kind == sync.Deleted:
		// The file was moved and then deleted. The engine deletes both
		// names since neither exists locally.
		next.OldPath = prev.OldPath
	}
	return next
}

// Due removes and returns the events for paths that have been quiet for
// the window, sorted by path.
func (s *Settler) Due() []sync.ChangeEvent {
	now := s.clock.Now()

	var due []sync.ChangeEvent
	for path, pending := range s.pending {
		if now.Sub(pending.lastSeen) < s.window {
			continue
		}

		event := pending.event
		event.ObservedAt = pending.lastSeen
		due = append(due, event)
		delete(s.pending, path)
		if s.renameSource == path {
			s.renameSource = ""
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Path < due[j].Path
	})
	return due
}

// NextDeadline returns when the next pending path becomes due.
func (s *Settler) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, pending := range s.pending {
		deadline := pending.lastSeen.Add(s.window)
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	return next, !next.IsZero()
}

// Len returns the number of paths with unreported changes.
func (s *Settler) Len() int {
	return len(s.pending)
}
