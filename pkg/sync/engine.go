package sync

import (
	"context"
	"sort"
	goSync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/metrics"
)

// Trigger asks the engine to compare the whole mirror directory against the
// MirrorState, rather than react to a single ChangeEvent.
type Trigger int

const (
	// TriggerRescan is a periodic check. It doesn't retry Failed paths
	// whose local contents haven't changed since they failed.
	TriggerRescan Trigger = iota

	// TriggerResync is requested by the user. It retries every Failed path
	// and cleans up temporary files abandoned on the board.
	TriggerResync
)

// DefaultQueueLimit is the number of events that Run buffers while a batch
// is being applied. Once it's reached, the sender of events blocks.
const DefaultQueueLimit = 256

// Engine keeps the board in sync with the mirror directory. All remote
// operations are executed by a single goroutine, one at a time.
type Engine struct {
	remote Remote
	store  Store
	state  *MirrorState
	clock  clockwork.Clock
	log    logrus.FieldLogger

	// queueLimit is how many events are buffered while a batch is being
	// applied.
	queueLimit int

	lock  goSync.Mutex
	paths map[string]PathState

	// inBatch contains the paths of the batch being applied, and queued the
	// ones among them that changed again since the batch started.
	inBatch  map[string]bool
	queued   map[string]bool
	failures map[string]failedPath
}

type failedPath struct {
	Failure

	// fingerprint is the local fingerprint when the path failed.
	fingerprint Fingerprint
}

// New creates an Engine.
func New(remote Remote, store Store, log logrus.FieldLogger) *Engine {
	return &Engine{
		remote:     remote,
		store:      store,
		state:      NewMirrorState(),
		clock:      clockwork.NewRealClock(),
		log:        log,
		queueLimit: DefaultQueueLimit,
		paths:      map[string]PathState{},
		inBatch:    map[string]bool{},
		queued:     map[string]bool{},
		failures:   map[string]failedPath{},
	}
}

// InitialPull copies the board's entire filesystem into the mirror directory
// and seeds the MirrorState from it. The board's content wins over anything
// already in the mirror directory.
func (e *Engine) InitialPull(ctx context.Context) error {
	tree, err := ListTree(ctx, e.remote, Root)
	if err != nil {
		return errors.WithContext(err, "list remote tree")
	}

	var entries []RemoteEntry
	for _, entry := range tree {
		if IsTempName(entry.Path) {
			e.removeStaleTemp(ctx, entry)
			continue
		}
		entries = append(entries, entry)
	}

	fetch := func(path string) ([]byte, error) {
		return e.remote.ReadFile(ctx, path)
	}
	if err := e.store.Materialize(entries, fetch); err != nil {
		return errors.WithContext(err, "materialize")
	}

	for _, entry := range entries {
		local, err := e.store.Stat(entry.Path)
		if err != nil {
			return errors.WithContext(err, "stat materialized entry")
		}

		if entry.Kind == File {
			entry.Size = local.Size
			entry.Fingerprint = local.Fingerprint.String()
			e.store.ApplyRemoteResult(entry.Path, local.Fingerprint)
		}
		e.state.Mirrored(entry)
	}
	metrics.SetMirroredPaths(e.state.Len())

	e.log.WithField("entries", len(entries)).Info("Pulled remote filesystem")
	return nil
}

// Run applies ChangeEvents and Triggers until the context is canceled or
// the events channel is closed. Events that arrive while a batch is being
// applied are queued, and a newer event for a path supersedes an older
// queued one. The only error it returns is a fatal one, such as the board
// disconnecting.
func (e *Engine) Run(ctx context.Context, events <-chan ChangeEvent, triggers <-chan Trigger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := newEventQueue(e.queueLimit)
	go func() {
		for {
			// Stop receiving while the queue is full, so that the producer
			// blocks instead of the queue growing.
			in := events
			if q.full() {
				in = nil
			}

			select {
			case <-ctx.Done():
				return
			case <-q.space:
			case ev, ok := <-in:
				if !ok {
					q.close()
					return
				}
				e.enqueued(ev)
				q.push(ev)
			case trigger := <-triggers:
				q.trigger(trigger)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.ready:
		}

		batch, pending, closed := q.take()
		if len(batch) > 0 {
			if err := e.ApplyBatch(ctx, batch); err != nil {
				return e.stopped(ctx, err)
			}
		}

		for _, trigger := range pending {
			var err error
			if trigger == TriggerResync {
				err = e.Resync(ctx)
			} else {
				err = e.Rescan(ctx)
			}
			if err != nil {
				return e.stopped(ctx, err)
			}
		}

		if closed {
			return nil
		}
	}
}

// stopped filters out errors caused by shutting down.
func (e *Engine) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Rescan compares the mirror directory with the MirrorState and pushes any
// differences. Failed paths are skipped unless their contents changed.
func (e *Engine) Rescan(ctx context.Context) error {
	return e.reconcile(ctx, false)
}

// Resync retries every Failed path, removes temporary files abandoned on
// the board, and then pushes any differences between the mirror directory
// and the MirrorState.
func (e *Engine) Resync(ctx context.Context) error {
	e.lock.Lock()
	for path := range e.failures {
		delete(e.failures, path)
		e.paths[path] = PendingPush
	}
	metrics.SetFailedPaths(0)
	e.lock.Unlock()

	tree, err := ListTree(ctx, e.remote, Root)
	if err != nil {
		if isFatal(err) {
			return err
		}
		e.log.WithError(err).Warn("Failed to list remote tree. Skipping temporary file cleanup.")
	}
	for _, entry := range tree {
		if IsTempName(entry.Path) {
			e.removeStaleTemp(ctx, entry)
		}
	}

	return e.reconcile(ctx, true)
}

func (e *Engine) reconcile(ctx context.Context, retryFailed bool) error {
	local := LocalSnapshot{}
	err := e.store.Walk(func(entry LocalEntry) error {
		local[entry.Path] = entry
		return nil
	})
	if err != nil {
		e.log.WithError(err).Warn("Failed to walk mirror directory")
		return nil
	}

	var events []ChangeEvent
	for _, ev := range local.Diff(e.state.GetSnapshot()) {
		if !retryFailed && e.failedWithFingerprint(ev.Path, local[ev.Path].Fingerprint) {
			continue
		}
		ev.ObservedAt = e.clock.Now()
		events = append(events, ev)
	}

	if len(events) == 0 {
		return nil
	}
	e.log.WithField("changes", len(events)).Info("Rescan found unsynced changes")
	return e.ApplyBatch(ctx, events)
}

func (e *Engine) failedWithFingerprint(path string, fp Fingerprint) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	failed, ok := e.failures[path]
	return ok && failed.fingerprint.Equal(fp)
}

// plan is the set of operations needed to apply a batch of events.
type plan struct {
	mkdirs  map[string]bool
	pushes  map[string]LocalEntry
	deletes map[string]Kind

	// renames maps new paths to the old paths whose deletion must wait for
	// the new path to be synced.
	renames map[string]string

	// failed contains the paths that couldn't be synced in this batch.
	failed map[string]bool
}

// failedWithin returns whether `path`, or anything inside it, failed.
func (p *plan) failedWithin(path string) bool {
	for failed := range p.failed {
		if failed == path || IsWithin(failed, path) {
			return true
		}
	}
	return false
}

// ApplyBatch applies a group of settled events. For each path only the
// newest event is used. The operations are executed in phases:
//  1. Directory creations, shallowest first.
//  2. File pushes.
//  3. Deletions, deepest first. The old path of a rename is only deleted
//     if the new path was synced.
//
// A failed operation marks its path as Failed and the batch continues. A
// fatal error aborts the batch and is returned.
func (e *Engine) ApplyBatch(ctx context.Context, events []ChangeEvent) error {
	p := plan{
		mkdirs:  map[string]bool{},
		pushes:  map[string]LocalEntry{},
		deletes: map[string]Kind{},
		renames: map[string]string{},
		failed:  map[string]bool{},
	}

	coalesced := Coalesce(events)
	e.startBatch(coalesced)
	defer e.finishBatch()

	for _, ev := range coalesced {
		e.log.WithField("event", ev).Debug("Applying change")
		e.planPath(&p, ev.Path)
		if ev.OldPath != "" && ev.OldPath != ev.Path {
			p.renames[ev.Path] = ev.OldPath
			e.planPath(&p, ev.OldPath)
		}
	}

	for _, dir := range sortedByDepth(keys(p.mkdirs), false) {
		if err := e.makeDir(ctx, &p, dir); err != nil {
			return err
		}
	}

	pushes := keys(p.pushes)
	sort.Strings(pushes)
	for _, path := range pushes {
		if err := e.push(ctx, &p, p.pushes[path]); err != nil {
			return err
		}
	}

	// Keep the old path of a failed rename so that its content isn't lost.
	// A renamed directory only landed if everything inside it did too.
	for newPath, oldPath := range p.renames {
		if !p.failedWithin(newPath) {
			continue
		}
		err := errors.New("rename target " + newPath + " failed to sync")
		for _, path := range keys(p.deletes) {
			if path == oldPath || IsWithin(path, oldPath) {
				delete(p.deletes, path)
				e.markFailed(&p, path, Fingerprint{}, err)
			}
		}
	}

	for _, path := range sortedByDepth(keys(p.deletes), true) {
		if err := e.remove(ctx, &p, path, p.deletes[path]); err != nil {
			return err
		}
	}

	metrics.SetMirroredPaths(e.state.Len())
	return nil
}

// planPath decides what needs to happen to `path` by comparing the mirror
// directory with the MirrorState.
func (e *Engine) planPath(p *plan, path string) {
	path = Clean(path)
	if path == Root || IsTempName(path) {
		return
	}

	local, err := e.store.Stat(path)
	if err != nil {
		var notFound errors.FileNotFound
		if !errors.As(err, &notFound) {
			e.markFailed(p, path, Fingerprint{}, err)
			return
		}

		if known, ok := e.state.Get(path); ok {
			p.deletes[path] = known.Kind
		}
		for _, known := range e.state.Descendants(path) {
			p.deletes[known.Path] = known.Kind
		}
		return
	}

	e.planAncestors(p, path)
	if local.Kind == File {
		p.pushes[path] = local
		return
	}

	// The directory may have been created with contents, for example by
	// moving it into the mirror directory. Sync its whole subtree.
	p.mkdirs[path] = true
	present := map[string]bool{}
	err = e.store.Walk(func(child LocalEntry) error {
		if !IsWithin(child.Path, path) || IsTempName(child.Path) {
			return nil
		}
		present[child.Path] = true
		if child.Kind == Directory {
			p.mkdirs[child.Path] = true
		} else {
			p.pushes[child.Path] = child
		}
		return nil
	})
	if err != nil {
		e.markFailed(p, path, Fingerprint{}, err)
		return
	}

	for _, known := range e.state.Descendants(path) {
		if !present[known.Path] {
			p.deletes[known.Path] = known.Kind
		}
	}
}

func (e *Engine) planAncestors(p *plan, path string) {
	for _, dir := range Ancestors(path) {
		if known, ok := e.state.Get(dir); !ok || known.Kind != Directory {
			p.mkdirs[dir] = true
		}
	}
}

func (e *Engine) makeDir(ctx context.Context, p *plan, dir string) error {
	if e.blocked(p, dir) {
		return nil
	}

	known, ok := e.state.Get(dir)
	if ok && known.Kind == Directory {
		e.settle(dir)
		return nil
	}

	if ok && known.Kind == File {
		op := SyncOperation{Kind: DeleteRemote, Path: dir}
		if err := e.execute(ctx, op); err != nil {
			return e.handleFailure(p, dir, Fingerprint{}, err)
		}
		e.state.Removed(dir)
		e.store.Forget(dir)
	}

	op := SyncOperation{Kind: CreateRemoteDir, Path: dir}
	if err := e.execute(ctx, op); err != nil {
		return e.handleFailure(p, dir, Fingerprint{}, err)
	}

	e.state.Mirrored(RemoteEntry{Path: dir, Kind: Directory})
	e.settle(dir)
	return nil
}

func (e *Engine) push(ctx context.Context, p *plan, local LocalEntry) error {
	path := local.Path
	if e.blocked(p, path) {
		return nil
	}

	known, ok := e.state.Get(path)
	if ok && known.Kind == File && known.Fingerprint == local.Fingerprint.String() {
		e.log.WithField("path", path).Debug("Skipping push of unchanged file")
		e.settle(path)
		return nil
	}

	e.setState(path, Pushing)
	if ok && known.Kind == Directory {
		op := SyncOperation{Kind: DeleteRemoteDir, Path: path, recursive: true}
		if err := e.execute(ctx, op); err != nil {
			return e.handleFailure(p, path, local.Fingerprint, err)
		}
		e.state.Removed(path)
	}

	data, err := e.store.ReadFile(path)
	if err != nil {
		return e.handleFailure(p, path, local.Fingerprint, err)
	}

	op := SyncOperation{Kind: PushFile, Path: path, Data: data}
	if err := e.execute(ctx, op); err != nil {
		return e.handleFailure(p, path, local.Fingerprint, err)
	}

	e.state.Mirrored(RemoteEntry{
		Path:        path,
		Kind:        File,
		Size:        int64(len(data)),
		Fingerprint: local.Fingerprint.String(),
	})
	e.store.ApplyRemoteResult(path, local.Fingerprint)
	e.settle(path)
	e.log.WithField("path", path).WithField("size", len(data)).Info("Pushed file")
	return nil
}

func (e *Engine) remove(ctx context.Context, p *plan, path string, kind Kind) error {
	if _, ok := e.state.Get(path); !ok {
		e.settle(path)
		return nil
	}

	op := SyncOperation{Kind: DeleteRemote, Path: path}
	if kind == Directory {
		op.Kind = DeleteRemoteDir
	}
	if err := e.execute(ctx, op); err != nil {
		return e.handleFailure(p, path, Fingerprint{}, err)
	}

	e.state.Removed(path)
	e.store.Forget(path)
	e.settle(path)
	e.log.WithField("path", path).Info("Deleted remote " + kind.String())
	return nil
}

// execute runs a single operation against the board.
func (e *Engine) execute(ctx context.Context, op SyncOperation) error {
	var err error
	switch op.Kind {
	case PushFile:
		err = e.remote.WriteFile(ctx, op.Path, op.Data)
	case DeleteRemote:
		err = e.remote.Delete(ctx, op.Path)
	case CreateRemoteDir:
		err = e.remote.MakeDir(ctx, op.Path)
	case DeleteRemoteDir:
		err = e.remote.RemoveDir(ctx, op.Path, op.recursive)
	}

	metrics.RecordOperation(op.Kind.String(), err == nil)
	e.log.WithField("op", op).WithError(err).Debug("Executed operation")
	return err
}

// blocked returns whether an ancestor of `path` failed earlier in the batch.
// Operations inside it can't succeed, so the path is failed too.
func (e *Engine) blocked(p *plan, path string) bool {
	for _, dir := range Ancestors(path) {
		if p.failed[dir] {
			e.lock.Lock()
			cause := e.failures[dir]
			e.lock.Unlock()

			err := errors.WithContext(cause.Err, "parent directory "+dir+" failed")
			e.markFailed(p, path, Fingerprint{}, err)
			return true
		}
	}
	return false
}

// handleFailure returns fatal errors, and otherwise marks the path as
// failed so that the rest of the batch can continue.
func (e *Engine) handleFailure(p *plan, path string, fp Fingerprint, err error) error {
	if isFatal(err) {
		return err
	}
	e.markFailed(p, path, fp, err)
	return nil
}

func (e *Engine) markFailed(p *plan, path string, fp Fingerprint, err error) {
	failure := Failure{
		Path: path,
		Kind: errors.KindOf(err),
		Time: e.clock.Now(),
		Err:  err,
	}
	p.failed[path] = true

	e.lock.Lock()
	e.failures[path] = failedPath{Failure: failure, fingerprint: fp}
	if e.queued[path] {
		e.paths[path] = PendingPush
	} else {
		e.paths[path] = Failed
	}
	metrics.SetFailedPaths(len(e.failures))
	e.lock.Unlock()

	e.log.WithError(err).WithFields(logrus.Fields{
		"path": path,
		"kind": failure.Kind,
		"time": failure.Time.Format("15:04:05.000"),
	}).Error("Failed to sync path. It won't be retried until it changes again.")
}

// enqueued is called when an event is queued. A path that's already being
// pushed stays Pushing, and moves to PendingPush once the push terminates.
func (e *Engine) enqueued(ev ChangeEvent) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, path := range eventPaths(ev) {
		if e.inBatch[path] {
			e.queued[path] = true
		}
		if e.paths[path] != Pushing {
			e.paths[path] = PendingPush
		}
	}
}

func (e *Engine) startBatch(events []ChangeEvent) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, ev := range events {
		for _, path := range eventPaths(ev) {
			e.inBatch[path] = true
		}
	}
}

// finishBatch settles the paths that didn't need any remote operation.
func (e *Engine) finishBatch() {
	e.lock.Lock()
	defer e.lock.Unlock()

	for path := range e.inBatch {
		if e.paths[path] == PendingPush && !e.queued[path] {
			delete(e.paths, path)
		}
	}
	e.inBatch = map[string]bool{}
	e.queued = map[string]bool{}
}

func eventPaths(ev ChangeEvent) []string {
	paths := []string{Clean(ev.Path)}
	if ev.OldPath != "" {
		paths = append(paths, Clean(ev.OldPath))
	}
	return paths
}

// settle marks `path` as synced, unless a newer event for it is queued.
func (e *Engine) settle(path string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if _, ok := e.failures[path]; ok {
		delete(e.failures, path)
		metrics.SetFailedPaths(len(e.failures))
	}
	if e.queued[path] {
		e.paths[path] = PendingPush
		return
	}
	delete(e.paths, path)
}

func (e *Engine) setState(path string, state PathState) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.paths[path] = state
}

// State returns the sync state of `path`.
func (e *Engine) State(path string) PathState {
	e.lock.Lock()
	defer e.lock.Unlock()

	if state, ok := e.paths[Clean(path)]; ok {
		return state
	}
	return Synced
}

// Failures returns the paths that failed to sync, sorted by path.
func (e *Engine) Failures() []Failure {
	e.lock.Lock()
	defer e.lock.Unlock()

	var failures []Failure
	for _, failed := range e.failures {
		failures = append(failures, failed.Failure)
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Path < failures[j].Path
	})
	return failures
}

// Mirror returns a copy of the MirrorState.
func (e *Engine) Mirror() MirrorSnapshot {
	return e.state.GetSnapshot()
}

func (e *Engine) removeStaleTemp(ctx context.Context, entry RemoteEntry) {
	var err error
	if entry.Kind == Directory {
		err = e.remote.RemoveDir(ctx, entry.Path, true)
	} else {
		err = e.remote.Delete(ctx, entry.Path)
	}

	log := e.log.WithField("path", entry.Path)
	if err != nil {
		log.WithError(err).Warn("Failed to remove abandoned temporary file")
		return
	}
	log.Info("Removed abandoned temporary file")
}

// isFatal returns whether no further remote work is possible after `err`.
func isFatal(err error) bool {
	return errors.Is(err, errors.ErrTransportDisconnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Coalesce reduces `events` to one event per path, in the order in which
// each path first appeared. The newest event for a path wins, but a rename's
// old path is kept so that it's still deleted.
func Coalesce(events []ChangeEvent) []ChangeEvent {
	var order []string
	byPath := map[string]ChangeEvent{}
	for _, ev := range events {
		ev.Path = Clean(ev.Path)
		if ev.OldPath != "" {
			ev.OldPath = Clean(ev.OldPath)
		}

		prev, ok := byPath[ev.Path]
		if !ok {
			order = append(order, ev.Path)
		} else if ev.OldPath == "" {
			ev.OldPath = prev.OldPath
		}
		byPath[ev.Path] = ev
	}

	coalesced := make([]ChangeEvent, 0, len(order))
	for _, path := range order {
		coalesced = append(coalesced, byPath[path])
	}
	return coalesced
}

// sortedByDepth sorts paths so that parents precede their children, or the
// other way around if `deepestFirst` is set.
func sortedByDepth(paths []string, deepestFirst bool) []string {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := Depth(paths[i]), Depth(paths[j])
		if di != dj {
			if deepestFirst {
				return di > dj
			}
			return di < dj
		}
		return paths[i] < paths[j]
	})
	return paths
}

func keys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// eventQueue buffers events between the goroutine that receives them and
// the goroutine that applies them.
type eventQueue struct {
	lock     goSync.Mutex
	order    []ChangeEvent
	triggers []Trigger
	closed   bool
	limit    int

	// ready is signaled when there's something to take, and space when
	// events were taken.
	ready chan struct{}
	space chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	if limit < 1 {
		limit = 1
	}
	return &eventQueue{
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

func (q *eventQueue) full() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.order) >= q.limit
}

func (q *eventQueue) push(ev ChangeEvent) {
	q.lock.Lock()
	q.order = append(q.order, ev)
	q.lock.Unlock()
	q.signal()
}

func (q *eventQueue) trigger(trigger Trigger) {
	q.lock.Lock()
	q.triggers = append(q.triggers, trigger)
	q.lock.Unlock()
	q.signal()
}

func (q *eventQueue) close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	notify(q.ready)
}

func (q *eventQueue) take() (events []ChangeEvent, triggers []Trigger, closed bool) {
	q.lock.Lock()
	events, triggers = q.order, q.triggers
	q.order, q.triggers = nil, nil
	closed = q.closed
	q.lock.Unlock()

	notify(q.space)
	return events, triggers, closed
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
