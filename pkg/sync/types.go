package sync

import (
	"fmt"
	"time"
)

// Kind is the type of a filesystem entry.
type Kind int

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	if k == Directory {
		return "directory"
	}
	return "file"
}

// RemoteEntry describes a path on the board's filesystem.
type RemoteEntry struct {
	// Path is slash-separated and rooted at "/".
	Path string

	Kind Kind

	// Size is only meaningful for files.
	Size int64

	// Fingerprint is an opaque content version. It's empty when the board
	// reported the entry, and set to the local fingerprint once the engine
	// has pushed or pulled the file.
	Fingerprint string
}

// Fingerprint is used to decide whether a local file changed without
// transferring it. Two fingerprints are only equal if the size, the
// modification time, and the content hash all match, so that a genuine edit
// within the clock's resolution is still noticed.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	Hash    string
}

// Equal returns whether the two fingerprints describe the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size &&
		f.ModTime.Equal(other.ModTime) &&
		f.Hash == other.Hash
}

// IsZero returns whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f.Size == 0 && f.ModTime.IsZero() && f.Hash == ""
}

// String returns the fingerprint in the form stored in RemoteEntry.
func (f Fingerprint) String() string {
	if f.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d-%d-%s", f.Size, f.ModTime.UnixNano(), f.Hash)
}

// LocalEntry describes a path in the mirror directory.
type LocalEntry struct {
	// Path uses the same slash-separated form as RemoteEntry.Path.
	Path    string
	Kind    Kind
	Size    int64
	ModTime time.Time

	// Fingerprint is zero for directories.
	Fingerprint Fingerprint
}

// EventKind is the type of a local change.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ChangeEvent is a settled local change to a single path.
type ChangeEvent struct {
	Path string
	Kind EventKind

	// OldPath is set for Renamed events.
	OldPath string

	ObservedAt time.Time
}

func (e ChangeEvent) String() string {
	if e.Kind == Renamed {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.OldPath, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// OpKind is the type of a SyncOperation.
type OpKind int

const (
	PushFile OpKind = iota
	DeleteRemote
	CreateRemoteDir
	DeleteRemoteDir
)

func (k OpKind) String() string {
	switch k {
	case PushFile:
		return "PushFile"
	case DeleteRemote:
		return "DeleteRemote"
	case CreateRemoteDir:
		return "CreateRemoteDir"
	case DeleteRemoteDir:
		return "DeleteRemoteDir"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// SyncOperation is a single unit of remote work.
type SyncOperation struct {
	Kind OpKind
	Path string

	// Data is the file content for PushFile.
	Data []byte

	// recursive is only set when a directory is replaced by a file. Other
	// directories are emptied by their own operations before they're
	// removed.
	recursive bool
}

func (op SyncOperation) String() string {
	if op.Kind == PushFile {
		return fmt.Sprintf("%s(%s, %d bytes)", op.Kind, op.Path, len(op.Data))
	}
	return fmt.Sprintf("%s(%s)", op.Kind, op.Path)
}

// PathState is the state of a path in the engine's per-path state machine:
//
//	Synced -> PendingPush -> Pushing -> Synced
//	                                 -> PendingPush (a newer change is queued)
//	                                 -> Failed
type PathState int

const (
	Synced PathState = iota
	PendingPush
	Pushing
	Failed
)

func (s PathState) String() string {
	switch s {
	case Synced:
		return "Synced"
	case PendingPush:
		return "PendingPush"
	case Pushing:
		return "Pushing"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("PathState(%d)", int(s))
	}
}

// Failure describes a path that couldn't be synced.
type Failure struct {
	Path string

	// Kind is the name of the error's taxonomy entry.
	Kind string
	Time time.Time
	Err  error
}
