// Package fswatch detects edits in the mirror directory and turns them into
// settled ChangeEvents for the sync engine.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync"
)

// eventBuffer bounds how many settled events wait for the engine. Once it's
// full the watcher stops reading notifications until the engine catches up.
const eventBuffer = 64

// Mirror is the part of the mirror store that the watcher needs.
type Mirror interface {
	Root() string
	RemotePath(local string) (string, error)

	// Unchanged returns whether the file at `path` is exactly the version
	// that was last synced.
	Unchanged(path string) bool
}

// Options configure a Watcher.
type Options struct {
	// SettleWindow defaults to DefaultSettleWindow.
	SettleWindow time.Duration

	Ignore *Ignore
	Clock  clockwork.Clock
}

// Watcher watches the mirror directory with fsnotify.
type Watcher struct {
	fs      afero.Fs
	mirror  Mirror
	ignore  *Ignore
	clock   clockwork.Clock
	settler *Settler
	log     logrus.FieldLogger

	notify *fsnotify.Watcher
	events chan sync.ChangeEvent

	// rescans is signaled when notifications were lost.
	rescans chan struct{}
}

// Watch starts watching every directory in the mirror. fsnotify doesn't
// watch recursively, so directories created later are added as they appear.
// An error means that the host can't deliver notifications, and the caller
// should fall back to polling.
func Watch(fs afero.Fs, mirror Mirror, opts Options, log logrus.FieldLogger) (*Watcher, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		fs:      fs,
		mirror:  mirror,
		ignore:  opts.Ignore,
		clock:   opts.Clock,
		settler: NewSettler(opts.SettleWindow, opts.Clock),
		log:     log,
		notify:  notify,
		events:  make(chan sync.ChangeEvent, eventBuffer),
		rescans: make(chan struct{}, 1),
	}

	if err := w.addTree(mirror.Root()); err != nil {
		// Close the watcher so that we release the file handles for the
		// previously added paths.
		if err := notify.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, err
	}
	return w, nil
}

// Events returns the settled changes. It's closed when Run returns.
func (w *Watcher) Events() <-chan sync.ChangeEvent {
	return w.events
}

// Rescans is signaled when the host dropped notifications, so only a full
// rescan can find what changed.
func (w *Watcher) Rescans() <-chan struct{} {
	return w.rescans
}

// Run translates notifications into ChangeEvents until the context is
// canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.notify.Close()

	for {
		var wake <-chan time.Time
		if deadline, ok := w.settler.NextDeadline(); ok {
			wake = w.clock.After(deadline.Sub(w.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.notify.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return nil
			}
			w.handleError(err)
		case <-wake:
		}

		for _, event := range w.settler.Due() {
			if w.echo(event) {
				continue
			}

			select {
			case w.events <- event:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path, err := w.mirror.RemotePath(ev.Name)
	if err != nil || path == sync.Root || w.ignore.Match(path) {
		return
	}
	w.log.WithField("path", path).WithField("op", ev.Op.String()).Trace("File notification")

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := w.fs.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.WithError(err).WithField("path", path).Warn(
					"Failed to watch new directory. Changes inside it may be missed.")
				w.requestRescan()
			}
		}
		w.settler.Add(path, sync.Created)
	case ev.Has(fsnotify.Write):
		w.settler.Add(path, sync.Modified)
	case ev.Has(fsnotify.Remove):
		w.settler.Add(path, sync.Deleted)
	case ev.Has(fsnotify.Rename):
		w.settler.AddRenameSource(path)
	}

	// Chmod notifications are ignored. Touching a file doesn't change what
	// the board should hold.
}

func (w *Watcher) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.log.Warn("File notifications were dropped. Rescanning the mirror directory.")
		w.requestRescan()
		return
	}
	w.log.WithError(err).Warn("File watcher error")
}

func (w *Watcher) requestRescan() {
	select {
	case w.rescans <- struct{}{}:
	default:
	}
}

// echo returns whether `event` was caused by the content that was just
// synced, such as a file written by the initial pull.
func (w *Watcher) echo(event sync.ChangeEvent) bool {
	if event.Kind != sync.Created && event.Kind != sync.Modified {
		return false
	}
	return w.mirror.Unchanged(event.Path)
}

// addTree watches `dir` and every directory below it that isn't ignored.
func (w *Watcher) addTree(dir string) error {
	dirs, err := watchPaths(w.fs, w.mirror, w.ignore, dir)
	if err != nil {
		return errors.WithContext(err, "get paths")
	}

	for _, path := range dirs {
		if err := w.notify.Add(path); err != nil {
			return errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}
	return nil
}

// watchPaths returns `dir` and the directories below it, skipping ignored
// ones. Files don't need their own watch since their directory's covers
// them.
func watchPaths(fs afero.Fs, mirror Mirror, ignore *Ignore, dir string) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(local string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}
		if !info.IsDir() {
			return nil
		}

		path, err := mirror.RemotePath(local)
		if err != nil {
			return err
		}
		if path != sync.Root && ignore.Match(path) {
			return filepath.SkipDir
		}

		paths = append(paths, local)
		return nil
	})
	return paths, err
}
