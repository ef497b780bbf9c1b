package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/remote"
)

const (
	DefaultMaintenanceInterval = time.Hour
	DefaultPauseReconcileAfter = 24 * time.Hour

	// uploadGatherWindow bounds how long the upload loop collects further
	// events after the first one before forming a batch.
	uploadGatherWindow = 200 * time.Millisecond
	uploadGatherMax    = 512

	staleStagingAge = time.Hour
)

// Options configures an Engine.
type Options struct {
	// Root is the local sync root directory.
	Root string

	// Parallelism bounds the apply worker pool. Defaults to 6.
	Parallelism int

	// DebounceWindow coalesces raw FS events. Defaults to 500ms.
	DebounceWindow time.Duration

	// MaintenanceInterval schedules compaction and reconciliation scans.
	// Defaults to 1h.
	MaintenanceInterval time.Duration

	// PauseReconcileAfter forces a fresh reconciliation when a pause
	// lasted longer than this. Defaults to 24h.
	PauseReconcileAfter time.Duration

	// ExcludedPaths are selective-sync excluded remote roots.
	ExcludedPaths []string

	// MignorePath is the user ignore pattern file. Defaults to
	// <Root>/.mignore.
	MignorePath string
}

func (o *Options) withDefaults() {
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = DefaultDebounceWindow
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.PauseReconcileAfter <= 0 {
		o.PauseReconcileAfter = DefaultPauseReconcileAfter
	}
	if o.MignorePath == "" {
		o.MignorePath = filepath.Join(o.Root, ".mignore")
	}
}

// Engine owns the index store, the remote client handle, the watcher and
// the worker pool, and supervises the three sync activities: the download
// loop, the upload loop, and periodic maintenance.
type Engine struct {
	opts   Options
	client remote.Client

	paths      *PathConv
	rules      *Ruleset
	hasher     *Hasher
	index      *Index
	normalizer *Normalizer
	resolver   *Resolver
	applier    *applier
	fetcher    *Fetcher
	status     *StatusTracker
	watcher    LocalWatcher
	handler    *EventHandler
	inflight   *inflightSet
	pool       *Pool
	hooks      Hooks

	state       State
	pauseReason PauseReason
	pausedAt    time.Time
	stateMu     sync.Mutex
	stateCond   *sync.Cond

	uploadHalted   atomic.Bool
	needFullRelist atomic.Bool
	forceReconcile atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine around the given remote client. A nil watcher
// selects the default recursive notify watcher.
func NewEngine(opts Options, client remote.Client, watcher LocalWatcher, hooks Hooks) (*Engine, error) {
	opts.withDefaults()

	paths, err := NewPathConv(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("sync root: %w", err)
	}

	rules := NewRuleset(opts.MignorePath, opts.ExcludedPaths)
	hasher := NewHasher()
	index := NewIndex(filepath.Join(paths.Root(), internalDirName, "index.db"))

	if watcher == nil {
		watcher = NewNotifyWatcher(paths.Root())
	}

	e := &Engine{
		opts:    opts,
		client:  client,
		paths:   paths,
		rules:   rules,
		hasher:  hasher,
		index:   index,
		status:  NewStatusTracker(),
		watcher: watcher,
		hooks:   hooks,
		state:   StateStopped,
	}
	e.stateCond = sync.NewCond(&e.stateMu)

	e.handler = NewEventHandler(watcher, paths, rules, func(rel string) (ItemType, bool) {
		entry, err := index.Get(rel)
		if err != nil || entry == nil {
			return "", false
		}
		return entry.Type, true
	})
	e.handler.SetDebounceWindow(opts.DebounceWindow)

	e.normalizer = NewNormalizer(paths, rules)
	e.resolver = NewResolver(index, hasher, paths, rules, client)
	e.applier = newApplier(paths, index, hasher, client, e.handler)
	e.fetcher = NewFetcher(client, index)
	e.inflight = newInflightSet()
	e.pool = NewPool(opts.Parallelism, e.inflight)

	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// PausedReason returns why the engine paused, meaningful only in
// StatePaused.
func (e *Engine) PausedReason() PauseReason {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.pauseReason
}

func (e *Engine) transition(to State) {
	e.stateMu.Lock()
	from := e.state
	e.state = to
	e.stateCond.Broadcast()
	e.stateMu.Unlock()

	if from != to {
		slog.Info("sync state", "from", from, "to", to)
		e.hooks.stateChanged(from, to)
	}
}

// Start brings the engine from Stopped through Starting into Syncing. The
// startup pass reconciles index against reality before the loops begin, so
// crashes and offline edits self-heal.
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state != StateStopped {
		e.stateMu.Unlock()
		return ErrAlreadyRunning
	}
	e.state = StateStarting
	e.stateMu.Unlock()
	e.hooks.stateChanged(StateStopped, StateStarting)

	if err := e.index.Open(); err != nil {
		e.transition(StateStopped)
		return err
	}

	e.rules.LoadMignore()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.handler.Start(ctx); err != nil {
		e.index.Close()
		e.transition(StateStopped)
		return fmt.Errorf("start watcher: %w", err)
	}

	// startup reconciliation: bring down remote changes, then push local
	// drift through the regular pipeline
	if err := e.startupSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("startup sync", "error", err)
		if errors.Is(err, ErrStorageCorrupt) {
			e.haltCorrupt(err)
			return err
		}
	}

	e.transition(StateSyncing)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.downloadLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.uploadLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.maintenanceLoop(ctx)
	}()

	return nil
}

// Stop cancels the long-poll and queue waits, lets in-flight tasks drain,
// and closes the index.
func (e *Engine) Stop() error {
	e.stateMu.Lock()
	if e.state == StateStopped || e.state == StateStopping {
		e.stateMu.Unlock()
		return ErrNotRunning
	}
	from := e.state
	e.state = StateStopping
	e.stateCond.Broadcast()
	e.stateMu.Unlock()
	e.hooks.stateChanged(from, StateStopping)

	if e.cancel != nil {
		e.cancel()
	}
	e.handler.Stop()
	e.wg.Wait()

	err := e.index.Close()
	e.transition(StateStopped)
	return err
}

// Pause stops initiation of new batches; in-flight tasks complete.
func (e *Engine) Pause(reason PauseReason) {
	e.stateMu.Lock()
	if e.state != StateSyncing {
		e.stateMu.Unlock()
		return
	}
	from := e.state
	e.state = StatePaused
	e.pauseReason = reason
	e.pausedAt = time.Now()
	e.stateCond.Broadcast()
	e.stateMu.Unlock()

	slog.Info("sync paused", "reason", reason)
	e.hooks.stateChanged(from, StatePaused)
}

// Resume continues from the persisted cursor. A pause that outlived the
// configured threshold triggers a fresh reconciliation first.
func (e *Engine) Resume() {
	e.stateMu.Lock()
	if e.state != StatePaused {
		e.stateMu.Unlock()
		return
	}
	pausedFor := time.Since(e.pausedAt)
	e.state = StateSyncing
	e.pauseReason = ""
	e.uploadHalted.Store(false)
	if pausedFor > e.opts.PauseReconcileAfter {
		e.forceReconcile.Store(true)
	}
	e.stateCond.Broadcast()
	e.stateMu.Unlock()

	slog.Info("sync resumed", "pausedFor", pausedFor)
	e.hooks.stateChanged(StatePaused, StateSyncing)
}

// waitWhilePaused blocks batch initiation while paused. Returns false when
// the engine is stopping.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		e.stateMu.Lock()
		e.stateCond.Broadcast()
		e.stateMu.Unlock()
	})
	defer stop()

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	for e.state == StatePaused {
		if ctx.Err() != nil {
			return false
		}
		e.stateCond.Wait()
	}
	return ctx.Err() == nil && e.state == StateSyncing
}

// startupSync runs the first reconciliation: full download when no cursor
// is stored, then upload of local drift.
func (e *Engine) startupSync(ctx context.Context) error {
	cursor, err := e.index.Cursor()
	if err != nil {
		return err
	}

	if cursor == "" {
		if err := e.fullResync(ctx); err != nil {
			return err
		}
	} else if err := e.downloadOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("startup download", "error", err)
	}

	return e.reconcileAndUpload(ctx)
}

func (e *Engine) reconcileAndUpload(ctx context.Context) error {
	drift, err := reconcileLocal(e.paths, e.rules, e.index)
	if err != nil {
		return err
	}
	if len(drift) > 0 {
		e.runUploadBatch(ctx, drift)
	}
	return e.index.SetLastReconcile(time.Now().UTC().Format(time.RFC3339))
}

// downloadLoop blocks on the remote long-poll and drives download batches.
func (e *Engine) downloadLoop(ctx context.Context) {
	for {
		if !e.waitWhilePaused(ctx) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if e.forceReconcile.CompareAndSwap(true, false) {
			if err := e.reconcileAndUpload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("post-pause reconcile", "error", err)
			}
		}

		if e.needFullRelist.CompareAndSwap(true, false) {
			if err := e.fullResync(ctx); err != nil {
				e.escalate(DirectionDown, "", err)
			}
			continue
		}

		if err := e.fetcher.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.escalate(DirectionDown, "", err)
			// avoid a hot loop when the poll endpoint keeps failing
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBaseDelay):
			}
			continue
		}

		if err := e.downloadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.escalate(DirectionDown, "", err)
		}
	}
}

// downloadOnce fetches pending deltas and applies them as one batch.
func (e *Engine) downloadOnce(ctx context.Context) error {
	delta, err := e.fetcher.Fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrCursorReset) {
			e.needFullRelist.Store(true)
			return nil
		}
		return err
	}

	return e.runDownloadBatch(ctx, delta.Changes, delta.Cursor)
}

// fullResync discards the cursor, fetches the complete remote listing,
// synthesizes deletes for indexed items the listing no longer contains, and
// applies the result as a regular download batch.
func (e *Engine) fullResync(ctx context.Context) error {
	slog.Info("full resync")

	if err := e.index.ClearCursor(); err != nil {
		return err
	}

	delta, err := e.fetcher.FetchFull(ctx)
	if err != nil {
		return err
	}

	listed := make(map[string]struct{}, len(delta.Changes))
	for _, chg := range delta.Changes {
		listed[e.paths.Canonical(chg.Path)] = struct{}{}
	}

	known, err := e.index.All()
	if err != nil {
		return err
	}

	changes := delta.Changes
	for key, entry := range known {
		if entry.Rev == "" {
			continue
		}
		if _, ok := listed[key]; !ok {
			changes = append(changes, &remote.Metadata{Path: key, Kind: remote.KindDeleted})
		}
	}

	if err := e.runDownloadBatch(ctx, changes, delta.Cursor); err != nil {
		return err
	}

	return e.reconcileAndUpload(ctx)
}

// runDownloadBatch normalizes, resolves and applies one remote batch, then
// advances the cursor iff every change was durably handled.
func (e *Engine) runDownloadBatch(ctx context.Context, changes []*remote.Metadata, cursor string) error {
	normalized, err := e.normalizer.NormalizeRemote(changes, e.index)
	if err != nil {
		return err
	}

	if len(normalized) == 0 {
		if cursor != "" {
			return e.index.SetCursor(cursor)
		}
		return nil
	}

	tasks := make([]Task, 0, len(normalized))
	for _, chg := range normalized {
		key := e.paths.Canonical(chg.Path)
		level, class, _ := remoteSortKey(chg)

		e.status.SetSyncing(key)
		tasks = append(tasks, Task{
			Path:     key,
			Level:    level,
			Class:    taskClass(class),
			Priority: int(chg.Size),
			Run: func(ctx context.Context) error {
				dec, err := e.resolver.ResolveDownload(ctx, chg)
				if err != nil {
					return err
				}
				return e.applier.ApplyDownload(ctx, chg, dec)
			},
		})
	}

	outcomes := e.pool.Run(ctx, tasks)

	applied := 0
	failed := false
	for _, o := range outcomes {
		if o.Err == nil {
			applied++
			e.status.SetCompleted(o.Path)
			continue
		}
		failed = true
		e.status.SetError(o.Path, o.Err)
		e.escalate(DirectionDown, o.Path, o.Err)
	}

	// the cursor never moves past a batch that was not durably applied;
	// a re-delivered batch is idempotent
	if !failed && cursor != "" {
		if err := e.index.SetCursor(cursor); err != nil {
			return err
		}
	}

	e.hooks.batchApplied(DirectionDown, applied, fmt.Sprintf("%d/%d changes applied", applied, len(outcomes)))
	return nil
}

// uploadLoop blocks on the cleaned FS event stream and drives upload
// batches.
func (e *Engine) uploadLoop(ctx context.Context) {
	events := e.handler.Changes()

	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-events:
			if !ok {
				return
			}

			batch := e.gatherUploads(ctx, events, first)

			if !e.waitWhilePaused(ctx) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if e.uploadHalted.Load() {
				slog.Debug("upload halted, dropping batch", "changes", len(batch))
				continue
			}

			e.runUploadBatch(ctx, batch)
		}
	}
}

// gatherUploads collects the events that arrive shortly after the first so
// related changes normalize as one batch.
func (e *Engine) gatherUploads(ctx context.Context, events <-chan LocalChange, first LocalChange) []LocalChange {
	batch := []LocalChange{first}
	timer := time.NewTimer(uploadGatherWindow)
	defer timer.Stop()

	for len(batch) < uploadGatherMax {
		select {
		case <-ctx.Done():
			return batch
		case <-timer.C:
			return batch
		case chg, ok := <-events:
			if !ok {
				return batch
			}
			batch = append(batch, chg)
		}
	}
	return batch
}

// runUploadBatch normalizes, resolves and applies one local batch.
func (e *Engine) runUploadBatch(ctx context.Context, changes []LocalChange) {
	normalized := e.normalizer.NormalizeLocal(changes)
	if len(normalized) == 0 {
		return
	}

	// the Created half of a same-path delete+create pair is a type change
	deletedType := make(map[string]ItemType)
	for _, chg := range normalized {
		if chg.Op == OpDeleted {
			deletedType[chg.Path] = chg.Type
		}
	}

	tasks := make([]Task, 0, len(normalized))
	for _, chg := range normalized {
		level, class, _ := localSortKey(chg)
		typeChange := chg.Op == OpCreated && deletedType[chg.Path] != "" && deletedType[chg.Path] != chg.Type

		e.status.SetSyncing(chg.Path)
		tasks = append(tasks, Task{
			Path:  chg.Path,
			Level: level,
			Class: taskClass(class),
			Run: func(ctx context.Context) error {
				dec, err := e.resolver.ResolveUpload(ctx, chg, typeChange)
				if err != nil {
					return err
				}
				return e.applier.ApplyUpload(ctx, chg, dec)
			},
		})
	}

	outcomes := e.pool.Run(ctx, tasks)

	applied := 0
	for _, o := range outcomes {
		if o.Err == nil {
			applied++
			e.status.SetCompleted(o.Path)
			continue
		}
		e.status.SetError(o.Path, o.Err)
		e.escalate(DirectionUp, o.Path, o.Err)
	}

	e.hooks.batchApplied(DirectionUp, applied, fmt.Sprintf("%d/%d changes applied", applied, len(outcomes)))
}

// maintenanceLoop periodically compacts the index, reconciles drift, and
// cleans the staging area.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !e.waitWhilePaused(ctx) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		e.runMaintenance(ctx)
	}
}

func (e *Engine) runMaintenance(ctx context.Context) {
	slog.Debug("maintenance pass")

	if err := e.index.Compact(); err != nil {
		slog.Warn("index compaction", "error", err)
	}

	if err := e.reconcileAndUpload(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("maintenance reconcile", "error", err)
	}

	e.status.Cleanup(e.opts.MaintenanceInterval)
	e.applier.cleanStaging(staleStagingAge)
}

// escalate applies the error policy table: transient failures were already
// retried by the workers; what reaches here decides direction halts and
// user-visible errors.
func (e *Engine) escalate(direction Direction, path string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, ErrStorageCorrupt) {
		e.haltCorrupt(err)
		return
	}

	if errors.Is(err, errStaleListing) {
		e.needFullRelist.Store(true)
		return
	}

	kind, ok := remote.KindOf(err)
	if !ok {
		e.hooks.errorRaised("internal", path, err.Error())
		return
	}

	switch kind {
	case remote.KindAuthExpired:
		e.hooks.errorRaised(string(kind), path, err.Error())
		e.Pause(PauseAuthRequired)

	case remote.KindInsufficientQuota, remote.KindPermissionDenied:
		if direction == DirectionUp {
			// downloads keep flowing; uploads stop until resume
			e.uploadHalted.Store(true)
		}
		e.hooks.errorRaised(string(kind), path, err.Error())

	case remote.KindNetwork, remote.KindRateLimited, remote.KindServerError:
		// retries exhausted inside the workers
		e.hooks.errorRaised(string(kind), path, err.Error())

	default:
		e.hooks.errorRaised(string(kind), path, err.Error())
	}
}

func (e *Engine) haltCorrupt(err error) {
	slog.Error("index corrupt, halting sync", "error", err)
	e.hooks.errorRaised("storage_corrupt", "", err.Error())

	go func() {
		if stopErr := e.Stop(); stopErr != nil && !errors.Is(stopErr, ErrNotRunning) {
			slog.Error("halt after corruption", "error", stopErr)
		}
	}()
}
