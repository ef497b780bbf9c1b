package sync

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultDebounceWindow = 500 * time.Millisecond

	rawEventBufferSize  = 256
	localChangeBuffer   = 256
	selfEventIgnoreTTL  = 2 * time.Second
	ignoreSweepInterval = 15 * time.Second
)

// RawEventOp tags a raw filesystem notification.
type RawEventOp string

const (
	RawCreate RawEventOp = "create"
	RawWrite  RawEventOp = "write"
	RawRemove RawEventOp = "remove"
	RawRename RawEventOp = "rename"
)

// RawEvent is one uninterpreted filesystem notification.
type RawEvent struct {
	Path string // absolute local path
	Op   RawEventOp
}

// LocalWatcher is the filesystem watcher capability consumed by the event
// handler.
type LocalWatcher interface {
	Start() error
	Stop()
	Events() <-chan RawEvent
}

// NotifyWatcher implements LocalWatcher over rjeczalik/notify with a
// recursive watch of the sync root.
type NotifyWatcher struct {
	root   string
	raw    chan notify.EventInfo
	events chan RawEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ LocalWatcher = (*NotifyWatcher)(nil)

func NewNotifyWatcher(root string) *NotifyWatcher {
	return &NotifyWatcher{
		root:   root,
		raw:    make(chan notify.EventInfo, rawEventBufferSize),
		events: make(chan RawEvent, rawEventBufferSize),
		done:   make(chan struct{}),
	}
}

func (w *NotifyWatcher) Start() error {
	slog.Info("fs watcher start", "dir", w.root)

	if err := notify.Watch(w.root+"/...", w.raw, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.translate()
	return nil
}

func (w *NotifyWatcher) Stop() {
	close(w.done)
	notify.Stop(w.raw)
	w.wg.Wait()
	slog.Info("fs watcher stopped")
}

func (w *NotifyWatcher) Events() <-chan RawEvent {
	return w.events
}

func (w *NotifyWatcher) translate() {
	defer func() {
		close(w.events)
		w.wg.Done()
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}

			var op RawEventOp
			switch ev.Event() {
			case notify.Create:
				op = RawCreate
			case notify.Write:
				op = RawWrite
			case notify.Remove:
				op = RawRemove
			case notify.Rename:
				op = RawRename
			default:
				continue
			}

			select {
			case w.events <- RawEvent{Path: ev.Path(), Op: op}:
			default:
				slog.Warn("fs watcher dropped event", "reason", "channel full", "path", ev.Path())
			}
		}
	}
}

// EventHandler debounces raw watcher events into a coalesced stream of
// LocalChange records. It is the only component that sees raw events; the
// cleaned stream has exclusions already applied.
type EventHandler struct {
	watcher LocalWatcher
	paths   *PathConv
	rules   *Ruleset

	// typeHint resolves the last-known item type for paths that no longer
	// exist on disk.
	typeHint func(rel string) (ItemType, bool)

	window  time.Duration
	changes chan LocalChange

	pending map[string]*pendingEvent
	timers  map[string]*time.Timer
	mu      sync.Mutex

	// selfIgnore suppresses the next event for paths the engine itself is
	// about to write.
	selfIgnore map[string]time.Time
	ignoreMu   sync.Mutex

	wg sync.WaitGroup
}

type pendingEvent struct {
	rel     string
	abs     string
	created bool
	removed bool
	written bool
}

func NewEventHandler(watcher LocalWatcher, paths *PathConv, rules *Ruleset, typeHint func(rel string) (ItemType, bool)) *EventHandler {
	return &EventHandler{
		watcher:    watcher,
		paths:      paths,
		rules:      rules,
		typeHint:   typeHint,
		window:     DefaultDebounceWindow,
		changes:    make(chan LocalChange, localChangeBuffer),
		pending:    make(map[string]*pendingEvent),
		timers:     make(map[string]*time.Timer),
		selfIgnore: make(map[string]time.Time),
	}
}

// SetDebounceWindow overrides the coalescing window. Call before Start.
func (h *EventHandler) SetDebounceWindow(d time.Duration) {
	h.window = d
}

// Changes returns the cleaned LocalChange stream.
func (h *EventHandler) Changes() <-chan LocalChange {
	return h.changes
}

// IgnoreOnce suppresses the next watcher event for an absolute path. Used by
// the apply workers so downloads don't echo back as uploads.
func (h *EventHandler) IgnoreOnce(abs string) {
	h.ignoreMu.Lock()
	defer h.ignoreMu.Unlock()
	h.selfIgnore[abs] = time.Now().Add(selfEventIgnoreTTL)
}

func (h *EventHandler) isSelfIgnored(abs string) bool {
	h.ignoreMu.Lock()
	defer h.ignoreMu.Unlock()

	expiry, ok := h.selfIgnore[abs]
	if !ok {
		return false
	}
	delete(h.selfIgnore, abs)
	return time.Now().Before(expiry)
}

func (h *EventHandler) Start(ctx context.Context) error {
	if err := h.watcher.Start(); err != nil {
		return err
	}

	h.wg.Add(2)
	go h.consume(ctx)
	go h.sweepIgnores(ctx)
	return nil
}

func (h *EventHandler) Stop() {
	h.watcher.Stop()
	h.wg.Wait()
}

func (h *EventHandler) consume(ctx context.Context) {
	defer func() {
		h.flushAll()
		close(h.changes)
		h.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events():
			if !ok {
				return
			}
			h.observe(ev)
		}
	}
}

func (h *EventHandler) observe(ev RawEvent) {
	if h.isSelfIgnored(ev.Path) {
		return
	}

	rel, ok := h.paths.RelPath(ev.Path)
	if !ok || rel == "/" {
		return
	}
	if h.rules.ShouldIgnore(rel) {
		return
	}

	key := h.paths.Canonical(rel)

	h.mu.Lock()
	defer h.mu.Unlock()

	pe, exists := h.pending[key]
	if !exists {
		pe = &pendingEvent{rel: rel, abs: ev.Path}
		h.pending[key] = pe
	}

	switch ev.Op {
	case RawCreate:
		pe.created = true
		pe.removed = false
	case RawWrite:
		pe.written = true
	case RawRemove, RawRename:
		pe.removed = true
	}

	if timer, ok := h.timers[key]; ok {
		timer.Stop()
	}
	h.timers[key] = time.AfterFunc(h.window, func() {
		h.flush(key)
	})
}

func (h *EventHandler) flush(key string) {
	h.mu.Lock()
	pe, ok := h.pending[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, key)
	delete(h.timers, key)
	h.mu.Unlock()

	if change, ok := h.materialize(key, pe); ok {
		select {
		case h.changes <- change:
			slog.Debug("fs event", "change", change.String())
		default:
			slog.Warn("fs event dropped", "reason", "channel full", "path", key)
		}
	}
}

func (h *EventHandler) flushAll() {
	h.mu.Lock()
	for _, timer := range h.timers {
		timer.Stop()
	}
	keys := make([]string, 0, len(h.pending))
	for key := range h.pending {
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		h.flush(key)
	}
}

// materialize resolves a debounced event set against the live filesystem.
func (h *EventHandler) materialize(key string, pe *pendingEvent) (LocalChange, bool) {
	info, err := os.Stat(pe.abs)
	now := time.Now()

	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("fs event stat", "path", pe.abs, "error", err)
			return LocalChange{}, false
		}

		// gone from disk: a create followed by a remove inside one
		// window is a no-op
		if pe.created && !h.knownToIndex(key) {
			return LocalChange{}, false
		}

		itemType := ItemFile
		if t, ok := h.typeHint(key); ok {
			itemType = t
		}
		return LocalChange{Op: OpDeleted, Path: key, Type: itemType, Recorded: now}, true
	}

	itemType := ItemFile
	if info.IsDir() {
		itemType = ItemFolder
	}

	if pe.removed && pe.created {
		// replaced within one window; report as a modification unless
		// the index never saw it
		if h.knownToIndex(key) {
			return LocalChange{Op: OpModified, Path: key, Type: itemType, Recorded: now}, true
		}
		return LocalChange{Op: OpCreated, Path: key, Type: itemType, Recorded: now}, true
	}

	if pe.created || !h.knownToIndex(key) {
		return LocalChange{Op: OpCreated, Path: key, Type: itemType, Recorded: now}, true
	}

	return LocalChange{Op: OpModified, Path: key, Type: itemType, Recorded: now}, true
}

func (h *EventHandler) knownToIndex(key string) bool {
	if h.typeHint == nil {
		return false
	}
	_, ok := h.typeHint(key)
	return ok
}

func (h *EventHandler) sweepIgnores(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(ignoreSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ignoreMu.Lock()
			now := time.Now()
			for path, expiry := range h.selfIgnore {
				if now.After(expiry) {
					delete(h.selfIgnore, path)
				}
			}
			h.ignoreMu.Unlock()
		}
	}
}
