package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/feichai0017/report-pipeline/internal/agent/render"
	"github.com/feichai0017/report-pipeline/internal/debounce"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// RenderObserver is told when a document starts and finishes rendering. Every
// RenderStarted is followed by exactly one RenderCompleted or RenderFailed. The
// completion tracker implements it.
type RenderObserver interface {
	RenderStarted(key models.DocumentKey)
	RenderCompleted(key models.DocumentKey, pages int)
	RenderFailed(key models.DocumentKey, err error)
}

// UploadWatcher renders settled PDFs from the upload tree into the extract tree.
type UploadWatcher struct {
	layout   *layout.Layout
	renderer render.Renderer
	observer RenderObserver
	logger   logger.Logger

	sched   *debounce.Scheduler[models.DocumentKey]
	watcher *Watcher
	ctx     context.Context
}

func NewUploadWatcher(l *layout.Layout, renderer render.Renderer, observer RenderObserver,
	cfg debounce.Config, initialScan bool, log logger.Logger) *UploadWatcher {
	log = log.Named("upload-watcher")
	w := &UploadWatcher{
		layout:   l,
		renderer: renderer,
		observer: observer,
		logger:   log,
		ctx:      context.Background(),
	}
	w.sched = debounce.New(cfg, w.render, log)
	w.watcher = New(Config{Root: l.UploadRoot, Exts: layout.UploadExts, InitialScan: initialScan}, w.onFile, log)
	return w
}

func (w *UploadWatcher) Start(ctx context.Context) error {
	w.ctx = ctx
	return w.watcher.Start(ctx)
}

// Stop closes the watcher, drops pending renders and waits for running ones.
func (w *UploadWatcher) Stop() error {
	err := w.watcher.Close()
	w.sched.Stop()
	return err
}

// Pending lists PDFs waiting for their quiet period.
func (w *UploadWatcher) Pending() []string {
	return w.sched.Pending()
}

// Notify queues a PDF as if the watcher had seen it change.
func (w *UploadWatcher) Notify(path string) error {
	key, err := w.layout.ClassifyUpload(path)
	if err != nil {
		return err
	}
	w.sched.Notify(path, key)
	return nil
}

func (w *UploadWatcher) onFile(path string, initial bool) {
	key, err := w.layout.ClassifyUpload(path)
	if err != nil {
		w.logger.Warn("Rejected upload path", logger.String("path", path), logger.Error(err))
		return
	}
	if initial {
		// already rendered before this run
		if _, err := os.Stat(w.layout.ImageDir(key)); err == nil {
			return
		}
	}
	w.sched.Notify(path, key)
}

func (w *UploadWatcher) render(path string, key models.DocumentKey) {
	log := w.logger.With(logger.String("document", key.String()))

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("Upload vanished before rendering", logger.String("path", path))
		} else {
			log.Error("Failed to read upload", logger.String("path", path), logger.Error(err))
		}
		return
	}
	if len(data) == 0 {
		log.Debug("Upload not ready, zero length", logger.String("path", path))
		return
	}
	if meta, err := render.Inspect(data); err != nil {
		log.Warn("Failed to inspect upload", logger.Error(err))
	} else {
		log.Info("Rendering upload",
			logger.Int("pages", meta.Pages),
			logger.String("title", meta.Title),
			logger.Int64("size", meta.FileSize))
	}

	if err := w.reset(key); err != nil {
		log.Error("Failed to clear previous artifacts", logger.Error(err))
		return
	}
	if w.observer != nil {
		w.observer.RenderStarted(key)
	}

	n, err := w.renderer.Render(w.ctx, path, w.layout.ImageDir(key))
	if err != nil {
		log.Error("Failed to render upload", logger.Int("pages_written", n), logger.Error(err))
		// 部分页面不能进入分析
		if rerr := w.reset(key); rerr != nil {
			log.Error("Failed to clear partial render", logger.Error(rerr))
		}
		if w.observer != nil {
			w.observer.RenderFailed(key, err)
		}
		return
	}
	if w.observer != nil {
		w.observer.RenderCompleted(key, n)
	}
}

// reset removes the images and analyses of a previous upload of the same document so
// the new cycle counts only its own pages.
func (w *UploadWatcher) reset(key models.DocumentKey) error {
	for _, dir := range []string{w.layout.ImageDir(key), w.layout.JSONDir(key)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}
