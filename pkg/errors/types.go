package errors

import (
	"fmt"
)

var (
	// ErrTransportTimeout is returned when the device didn't finish a
	// response before the exchange timeout elapsed.
	ErrTransportTimeout = New("transport timeout")

	// ErrTransportDisconnected is returned when the serial channel reports
	// that it was closed. No further remote work is possible after it.
	ErrTransportDisconnected = New("transport disconnected")

	// ErrSyncConflict is reserved for a comparison-before-overwrite check.
	// Nothing returns it yet.
	ErrSyncConflict = New("remote file changed since last sync")
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// FramingError is returned when a response can't be parsed against the
// sentinel grammar the device is expected to speak.
type FramingError struct {
	Reason string
	Data   []byte
}

func (err FramingError) Error() string {
	if len(err.Data) == 0 {
		return fmt.Sprintf("transport framing: %s", err.Reason)
	}
	return fmt.Sprintf("transport framing: %s (got %q)", err.Reason, truncate(err.Data, 64))
}

// RemoteKind classifies failures reported by the device's filesystem.
type RemoteKind int

const (
	// RemoteFailure is any device error that doesn't fit another kind.
	RemoteFailure RemoteKind = iota
	RemotePathNotFound
	RemoteReadError
	RemoteWriteError
	RemoteOutOfSpace
	RemoteDirNotEmpty
)

func (k RemoteKind) String() string {
	switch k {
	case RemotePathNotFound:
		return "RemotePathNotFound"
	case RemoteReadError:
		return "RemoteReadError"
	case RemoteWriteError:
		return "RemoteWriteError"
	case RemoteOutOfSpace:
		return "RemoteOutOfSpace"
	case RemoteDirNotEmpty:
		return "RemoteDirNotEmpty"
	default:
		return "RemoteFailure"
	}
}

// RemoteError is an error reported by the device while executing a
// filesystem operation.
type RemoteError struct {
	Kind RemoteKind
	Op   string
	Path string

	// Errno is the OSError number raised on the device, or 0 if the device
	// didn't report one.
	Errno int

	// Detail is the last line of the device's traceback, if any.
	Detail string
}

func (err RemoteError) Error() string {
	msg := fmt.Sprintf("remote %s %q: %s", err.Op, err.Path, err.Kind)
	if err.Detail != "" {
		msg += fmt.Sprintf(" (%s)", err.Detail)
	}
	return msg
}

// LocalIOError is a failure of the host filesystem under the mirror root.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (err LocalIOError) Error() string {
	return fmt.Sprintf("local %s %q: %s", err.Op, err.Path, err.Err)
}

func (err LocalIOError) Unwrap() error {
	return err.Err
}

// IsRemote returns whether `err` is a RemoteError of the given kind.
func IsRemote(err error, kind RemoteKind) bool {
	var remoteErr RemoteError
	return As(err, &remoteErr) && remoteErr.Kind == kind
}

// KindOf returns the name of the taxonomy entry `err` belongs to. It's used
// when reporting failed paths to the user.
func KindOf(err error) string {
	var remoteErr RemoteError
	var framingErr FramingError
	var localErr LocalIOError
	switch {
	case err == nil:
		return ""
	case Is(err, ErrTransportTimeout):
		return "TransportTimeout"
	case Is(err, ErrTransportDisconnected):
		return "TransportDisconnected"
	case Is(err, ErrSyncConflict):
		return "SyncConflict"
	case As(err, &framingErr):
		return "TransportFraming"
	case As(err, &remoteErr):
		return remoteErr.Kind.String()
	case As(err, &localErr):
		return "LocalIOError"
	default:
		return "Unknown"
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
