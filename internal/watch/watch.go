// Package watch reports class files that change under directory sources.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/abramin/annoscan/internal/classfile"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before reporting a batch.
const DefaultDebounce = 300 * time.Millisecond

// Root is a watched class directory.
type Root struct {
	Source string
	Path   string
}

// Batch is the set of classes that changed since the previous batch.
type Batch struct {
	Changed []string
	Removed []string
}

// Empty reports whether the batch holds nothing.
func (b Batch) Empty() bool { return len(b.Changed) == 0 && len(b.Removed) == 0 }

// Handler receives each settled batch. An error stops the watcher.
type Handler func(ctx context.Context, b Batch) error

// Watcher follows class directories and batches class file changes.
type Watcher struct {
	fs       *fsnotify.Watcher
	roots    []Root
	debounce time.Duration
	logger   *slog.Logger
}

// New starts watching every directory below roots.
func New(roots []Root, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{fs: fw, debounce: debounce, logger: logger}
	for _, r := range roots {
		abs, err := filepath.Abs(r.Path)
		if err != nil {
			fw.Close()
			return nil, err
		}
		r.Path = abs
		w.roots = append(w.roots, r)
		if err := w.addTree(abs); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching %s: %w", r.Source, err)
		}
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// addTree watches dir and every directory below it. fsnotify watches are
// not recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

// className maps an event path to the class it names.
func (w *Watcher) className(path string) (string, bool) {
	for _, r := range w.roots {
		rel, err := filepath.Rel(r.Path, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return classfile.ResourceClassName(filepath.ToSlash(rel))
	}
	return "", false
}

// Run delivers batches to h until ctx is done, h fails or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	changed := make(map[string]bool)
	removed := make(map[string]bool)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.note(ev, changed, removed) {
				rearm(timer, w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.Any("error", err))

		case <-timer.C:
			b := Batch{Changed: keys(changed), Removed: keys(removed)}
			clear(changed)
			clear(removed)
			if b.Empty() {
				continue
			}
			w.logger.Debug("class batch",
				slog.Int("changed", len(b.Changed)), slog.Int("removed", len(b.Removed)))
			if err := h(ctx, b); err != nil {
				return err
			}
		}
	}
}

// rearm restarts timer for d, discarding a tick that fired but was not
// received so the batch is not delivered before the quiet period ends.
func rearm(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// note records one event and reports whether it touched a class.
func (w *Watcher) note(ev fsnotify.Event, changed, removed map[string]bool) bool {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("watching new directory",
					slog.String("dir", ev.Name), slog.Any("error", err))
			}
			return false
		}
	}
	name, ok := w.className(ev.Name)
	if !ok {
		return false
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(changed, name)
		removed[name] = true
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		delete(removed, name)
		changed[name] = true
	default:
		return false
	}
	return true
}

func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
