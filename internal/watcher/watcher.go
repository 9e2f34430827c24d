// Package watcher observes the teams and tasks trees and delivers debounced
// create, modify and delete events.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Op is a debounced filesystem operation.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Event is delivered to the handler once a path has been quiet for the
// debounce window.
type Event struct {
	Path string
	Op   Op
}

// Handler processes one event. Panics are recovered and logged.
type Handler func(ctx context.Context, ev Event)

// Recorder receives watcher metrics.
type Recorder interface {
	RecordWatchEvent(op string)
	RecordWatchError()
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet window per path. Defaults to 300ms.
	Debounce time.Duration

	// Recorder is optional.
	Recorder Recorder
}

const defaultDebounce = 300 * time.Millisecond

// Watcher wraps an fsnotify watcher over a fixed set of roots and their
// immediate subdirectories.
type Watcher struct {
	roots  map[string]struct{}
	opts   Options
	logger zerolog.Logger
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pending
	ready   chan Event
	stopped chan struct{}
	started atomic.Bool
	running atomic.Bool
}

type pending struct {
	op    Op
	gen   uint64
	timer *time.Timer
}

// New creates the roots if they are missing and registers watches on them
// and on every existing immediate subdirectory. Existing contents produce
// no events.
func New(roots []string, opts Options, logger zerolog.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		roots:   make(map[string]struct{}, len(roots)),
		opts:    opts,
		logger:  logger.With().Str("component", "watcher").Logger(),
		fsw:     fsw,
		pending: make(map[string]*pending),
		ready:   make(chan Event, 64),
		stopped: make(chan struct{}),
	}

	for _, root := range roots {
		root = filepath.Clean(root)
		if err := os.MkdirAll(root, 0o755); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("creating root %s: %w", root, err)
		}
		if err := fsw.Add(root); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching root %s: %w", root, err)
		}
		w.roots[root] = struct{}{}

		entries, err := os.ReadDir(root)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("listing root %s: %w", root, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			sub := filepath.Join(root, e.Name())
			if err := fsw.Add(sub); err != nil {
				w.logger.Warn().Err(err).Str("dir", sub).Msg("failed to watch subdirectory")
			}
		}
	}

	return w, nil
}

// Running reports whether Run is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Run consumes raw events until ctx is cancelled, calling handler for each
// debounced event. Handlers run one at a time in arrival order. Run may be
// called once; the underlying watches are released when it returns.
func (w *Watcher) Run(ctx context.Context, handler Handler) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already started")
	}
	w.running.Store(true)
	defer w.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.dispatch(ctx, handler)
	}()

	w.logger.Info().Int("roots", len(w.roots)).Dur("debounce", w.opts.Debounce).Msg("watcher started")

	defer func() {
		w.stopTimers()
		close(w.stopped)
		w.fsw.Close()
		wg.Wait()
		w.logger.Info().Msg("watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleRaw(raw)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watch error")
			if w.opts.Recorder != nil {
				w.opts.Recorder.RecordWatchError()
			}
		}
	}
}

func (w *Watcher) handleRaw(raw fsnotify.Event) {
	var op Op
	switch {
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		op = OpDelete
	case raw.Has(fsnotify.Create):
		op = OpCreate
	case raw.Has(fsnotify.Write):
		op = OpModify
	default:
		return
	}

	path := filepath.Clean(raw.Name)
	if op == OpCreate {
		w.watchNewSubdir(path)
	}
	w.schedule(path, op)
}

// watchNewSubdir adds a watch for a directory created directly under a root
// and schedules creates for files written into it before the watch existed.
func (w *Watcher) watchNewSubdir(path string) {
	if _, ok := w.roots[filepath.Dir(path)]; !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn().Err(err).Str("dir", path).Msg("failed to watch new subdirectory")
		return
	}
	w.logger.Debug().Str("dir", path).Msg("watching new subdirectory")

	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(path, e.Name()), OpCreate)
		}
	}
}

// schedule (re)starts the quiet window for path.
func (w *Watcher) schedule(path string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[path]
	if !ok {
		p = &pending{op: op}
		w.pending[path] = p
	} else {
		p.timer.Stop()
		p.op = merge(p.op, op)
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(w.opts.Debounce, func() { w.fire(path, gen) })
}

func (w *Watcher) fire(path string, gen uint64) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || p.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	ev := Event{Path: path, Op: p.op}
	w.mu.Unlock()

	select {
	case w.ready <- ev:
	case <-w.stopped:
	}
}

// merge folds a new raw op into a pending one. The last op wins except that
// a create stays a create until it is deleted, and a delete followed by a
// create is a replacement.
func merge(prev, next Op) Op {
	switch {
	case prev == OpCreate && next == OpModify:
		return OpCreate
	case prev == OpDelete && next == OpCreate:
		return OpModify
	default:
		return next
	}
}

func (w *Watcher) dispatch(ctx context.Context, handler Handler) {
	for {
		select {
		case <-w.stopped:
			return
		case ev := <-w.ready:
			if w.opts.Recorder != nil {
				w.opts.Recorder.RecordWatchEvent(string(ev.Op))
			}
			w.invoke(ctx, handler, ev)
		}
	}
}

func (w *Watcher) invoke(ctx context.Context, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Str("path", ev.Path).
				Str("op", string(ev.Op)).
				Msg("event handler panicked")
		}
	}()
	handler(ctx, ev)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}
