// Package watch ingests session logs as they change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/parser"
)

const DefaultInclude = "**/*.jsonl"

// Ingester is the part of the orchestrator the watcher drives.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

type Config struct {
	Roots    []string
	Include  string
	Debounce time.Duration
	Workers  int
}

// Watcher turns filesystem notifications under a set of roots into
// ingestion requests. Changes to one file are debounced, and a file is
// never ingested twice at the same time: a change that arrives while the
// file is being ingested schedules exactly one follow-up run.
type Watcher struct {
	ingester Ingester
	roots    []string
	include  glob.Glob
	debounce time.Duration
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	dirty bool
}

func New(ing Ingester, cfg Config) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("no watch roots configured")
	}
	pattern := cfg.Include
	if pattern == "" {
		pattern = DefaultInclude
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compiling include pattern %q: %w", pattern, err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	roots := make([]string, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolving watch root %s: %w", r, err)
		}
		roots = append(roots, abs)
	}
	return &Watcher{
		ingester: ing,
		roots:    roots,
		include:  g,
		debounce: cfg.Debounce,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		logger:   slog.Default(),
		timers:   make(map[string]*time.Timer),
		lanes:    make(map[string]*lane),
	}, nil
}

// Run watches until ctx is cancelled, then waits for in-flight ingestions.
// Existing matching files are ingested on start.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	for _, root := range w.roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("creating watch root %s: %w", root, err)
		}
		w.addTree(ctx, fsw, root)
	}
	w.logger.Info("watching session logs", "roots", w.roots, "debounce", w.debounce)

	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files may land in a new directory before its watch is added.
			w.addTree(ctx, fsw, ev.Name)
			return
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.cancelTimer(ev.Name)
		return
	}
	if (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) && w.matches(ev.Name) {
		w.schedule(ctx, ev.Name)
	}
}

// addTree watches dir and every directory below it, and queues the
// matching files already present.
func (w *Watcher) addTree(ctx context.Context, fsw *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				w.logger.Warn("failed to watch directory", "path", path, "error", err)
			}
			return nil
		}
		if d.Type().IsRegular() && w.matches(path) {
			w.enqueue(ctx, path)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("walking watch root", "path", dir, "error", err)
	}
}

// matches reports whether path, relative to its watch root, matches the
// include pattern. A leading separator is tried too so "**/" patterns
// also match files directly under the root.
func (w *Watcher) matches(path string) bool {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		rel = filepath.ToSlash(rel)
		if w.include.Match(rel) || w.include.Match("/"+rel) {
			return true
		}
	}
	return false
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.enqueue(ctx, path)
	})
}

func (w *Watcher) cancelTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// enqueue starts a lane for path, or marks the running lane dirty.
func (w *Watcher) enqueue(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || ctx.Err() != nil {
		return
	}
	if l, ok := w.lanes[path]; ok {
		l.dirty = true
		return
	}
	w.lanes[path] = &lane{}
	w.wg.Add(1)
	go w.drain(ctx, path)
}

func (w *Watcher) drain(ctx context.Context, path string) {
	defer w.wg.Done()
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.mu.Lock()
			delete(w.lanes, path)
			w.mu.Unlock()
			return
		}
		w.ingest(ctx, path)
		w.sem.Release(1)

		w.mu.Lock()
		l := w.lanes[path]
		if !l.dirty || w.closed {
			delete(w.lanes, path)
			w.mu.Unlock()
			return
		}
		l.dirty = false
		w.mu.Unlock()
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	res, err := w.ingester.Ingest(ctx, ingest.Request{
		Path:   path,
		Source: ingest.SourceWatch,
		Mode:   ingest.ModeAuto,
	})
	switch {
	case errors.Is(err, parser.ErrNoParserFound):
		w.logger.Debug("no parser for file", "path", path)
	case err != nil:
		w.logger.Warn("ingesting changed file", "path", path, "error", err)
	case res != nil && res.MessagesAdded > 0:
		w.logger.Info("ingested changed file",
			"path", path,
			"conversation_id", res.ConversationID,
			"change", res.ChangeType,
			"messages_added", res.MessagesAdded,
		)
	}
}

// shutdown stops pending timers and waits for running lanes.
func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
