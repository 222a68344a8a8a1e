// Package watcher observes the upload and extract trees and hands settled files to the
// debounce schedulers.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// FileFunc receives a candidate file. initial is true for files found by a directory
// scan rather than by an event.
type FileFunc func(path string, initial bool)

type Config struct {
	Root string
	// Exts are lowercase extensions including the dot.
	Exts        map[string]struct{}
	InitialScan bool
}

// Watcher is a recursive fsnotify watcher. Directories created after start are added
// and scanned, so files written right after a mkdir are not missed.
type Watcher struct {
	cfg    Config
	onFile FileFunc
	logger logger.Logger

	fsw  *fsnotify.Watcher
	wg   sync.WaitGroup
	once sync.Once
}

func New(cfg Config, onFile FileFunc, log logger.Logger) *Watcher {
	return &Watcher{cfg: cfg, onFile: onFile, logger: log}
}

// Start registers the tree and begins delivering events until ctx is done or Close.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Root, 0755); err != nil {
		return fmt.Errorf("failed to create watch root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.addTree(w.cfg.Root, w.cfg.InitialScan, true); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Root, err)
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("Watching directory", logger.String("root", w.cfg.Root))
	return nil
}

// Close stops the watcher and waits for the event loop.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.once.Do(func() { w.fsw.Close() })
			return
		case e, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(e)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", logger.Error(err))
		}
	}
}

func (w *Watcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) {
		return
	}
	if e.Has(fsnotify.Create) {
		if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
			if err := w.addTree(e.Name, true, false); err != nil {
				w.logger.Warn("Failed to watch new directory", logger.String("path", e.Name), logger.Error(err))
			}
			return
		}
	}
	if w.allowed(e.Name) {
		w.onFile(e.Name, false)
	}
}

// addTree watches every directory under root; with scan set, files already present are
// reported too.
func (w *Watcher) addTree(root string, scan, initial bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		if scan && w.allowed(path) {
			w.onFile(path, initial)
		}
		return nil
	})
}

func (w *Watcher) allowed(path string) bool {
	if !layout.Visible(path) {
		return false
	}
	_, ok := w.cfg.Exts[strings.ToLower(filepath.Ext(path))]
	return ok
}
