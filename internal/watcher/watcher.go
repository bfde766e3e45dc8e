// Package watcher reports changes to script files under the scripts root.
// Bursts of filesystem events are debounced into one callback.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yasumu/tanxium/internal/log"
)

// DefaultDebounce is used when New is given a zero delay.
const DefaultDebounce = 200 * time.Millisecond

// Filter reports whether a changed path is of interest.
type Filter func(path string) bool

// ScriptFilter matches JavaScript and TypeScript sources, ignoring editor
// swap and backup files.
func ScriptFilter(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	switch filepath.Ext(base) {
	case ".js", ".mjs", ".cjs", ".ts", ".mts":
		return true
	}
	return false
}

// Watcher watches a directory tree.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	delay    time.Duration
	filter   Filter
	onChange func(paths []string)
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool
}

// New watches root and every directory below it. onChange receives the
// sorted, de-duplicated paths of one burst of changes.
func New(root string, delay time.Duration, filter Filter, onChange func(paths []string)) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if filter == nil {
		filter = ScriptFilter
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat scripts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scripts dir %q is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		root:     filepath.Clean(root),
		delay:    delay,
		filter:   filter,
		onChange: onChange,
		logger:   log.WithComponent("watcher"),
		pending:  make(map[string]struct{}),
	}
	if err := w.addTree(w.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching scripts", "root", w.root, "debounce", w.delay)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if ev.Op == fsnotify.Chmod || !w.filter(ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[ev.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.logger.Debug("scripts changed", "paths", paths)
	w.onChange(paths)
}

// Close stops watching. Pending changes are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
