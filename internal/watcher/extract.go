package watcher

import (
	"context"
	"errors"
	"os"

	"github.com/feichai0017/report-pipeline/internal/debounce"
	"github.com/feichai0017/report-pipeline/internal/dispatch"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// Dispatcher analyzes one page image.
type Dispatcher interface {
	Dispatch(ctx context.Context, imagePath string) (dispatch.Outcome, error)
}

// ExtractWatcher dispatches settled page images from the extract tree.
type ExtractWatcher struct {
	layout     *layout.Layout
	dispatcher Dispatcher
	logger     logger.Logger

	sched   *debounce.Scheduler[models.PageRef]
	watcher *Watcher
	ctx     context.Context
}

func NewExtractWatcher(l *layout.Layout, d Dispatcher, cfg debounce.Config, initialScan bool, log logger.Logger) *ExtractWatcher {
	log = log.Named("extract-watcher")
	w := &ExtractWatcher{
		layout:     l,
		dispatcher: d,
		logger:     log,
		ctx:        context.Background(),
	}
	w.sched = debounce.New(cfg, w.dispatch, log)
	w.watcher = New(Config{Root: l.ExtractRoot, Exts: layout.ImageExts, InitialScan: initialScan}, w.onFile, log)
	return w
}

func (w *ExtractWatcher) Start(ctx context.Context) error {
	w.ctx = ctx
	return w.watcher.Start(ctx)
}

func (w *ExtractWatcher) Stop() error {
	err := w.watcher.Close()
	w.sched.Stop()
	return err
}

func (w *ExtractWatcher) Pending() []string {
	return w.sched.Pending()
}

func (w *ExtractWatcher) onFile(path string, initial bool) {
	ref, err := w.layout.ClassifyImage(path)
	if err != nil {
		w.logger.Warn("Rejected image path", logger.String("path", path), logger.Error(err))
		return
	}
	if initial {
		if _, err := os.Stat(w.layout.JSONPath(ref.Key, ref.Page)); err == nil {
			return
		}
	}
	w.sched.Notify(path, ref)
}

func (w *ExtractWatcher) dispatch(path string, ref models.PageRef) {
	outcome, err := w.dispatcher.Dispatch(w.ctx, path)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Debug("Dispatch finished with error",
			logger.String("path", path),
			logger.Int("page", ref.Page),
			logger.String("outcome", outcome.String()),
			logger.Error(err))
	}
}
