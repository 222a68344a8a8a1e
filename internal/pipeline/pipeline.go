// Package pipeline assembles the watchers, the dispatcher and the completion tracker
// into one running ingestion pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/report-pipeline/config"
	"github.com/feichai0017/report-pipeline/internal/agent/render"
	"github.com/feichai0017/report-pipeline/internal/agent/vision"
	"github.com/feichai0017/report-pipeline/internal/completion"
	"github.com/feichai0017/report-pipeline/internal/debounce"
	"github.com/feichai0017/report-pipeline/internal/dispatch"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/service/report"
	"github.com/feichai0017/report-pipeline/internal/watcher"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
	"github.com/feichai0017/report-pipeline/pkg/storage"
)

// Aggregation modes.
const (
	AggregateQueue  = "queue"
	AggregateInline = "inline"
	AggregateNone   = "none"
)

// Deps overrides collaborators that would otherwise be built from the environment.
type Deps struct {
	Analyzer vision.Analyzer
	Renderer render.Renderer
	Storage  storage.Storage
	Queue    queue.Queue
}

// Pipeline owns every long-running component of the ingestion side.
type Pipeline struct {
	cfg    *config.Config
	logger logger.Logger

	Layout     *layout.Layout
	Gate       *dispatch.RateGate
	Analyzer   vision.Analyzer
	Dispatcher *dispatch.Dispatcher
	Tracker    *completion.Tracker
	Reports    *report.Service
	Uploads    *watcher.UploadWatcher
	Extracts   *watcher.ExtractWatcher
	Storage    storage.Storage
	Queue      queue.Queue
	Enqueuer   *queue.AggregationEnqueuer

	closers []io.Closer
	started bool
}

// Status is the operational snapshot served by the API.
type Status struct {
	Analyzer       string                    `json:"analyzer"`
	Aggregation    string                    `json:"aggregation"`
	Completion     completion.Stats          `json:"completion"`
	Documents      []models.CompletionStatus `json:"documents"`
	Dispatch       dispatch.Stats            `json:"dispatch"`
	PendingUploads []string                  `json:"pending_uploads"`
	PendingPages   []string                  `json:"pending_pages"`
}

// New builds the pipeline. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, deps Deps, log logger.Logger) (*Pipeline, error) {
	log = log.Named("pipeline")
	p := &Pipeline{
		cfg:    cfg,
		logger: log,
		Layout: layout.New(cfg.DataDir),
		Gate:   dispatch.NewRateGate(cfg.Dispatch.Concurrency),
	}

	p.Storage = deps.Storage
	if p.Storage == nil {
		store, err := storage.NewStorage(ctx, storage.StorageType(cfg.Storage.Type), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		p.Storage = store
	}

	p.Analyzer = deps.Analyzer
	if p.Analyzer == nil {
		analyzer, err := vision.NewAnalyzer(ctx, config.GetVisionConfig(), cfg.Dispatch.CallTimeout, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create analyzer: %w", err)
		}
		p.Analyzer = analyzer
	}
	p.closers = append(p.closers, p.Analyzer)

	p.Reports = report.NewService(p.Layout, p.Analyzer, p.Storage, report.Config{
		CacheTTL:         cfg.Cache.TTL,
		MaxSummaryImages: report.DefaultConfig().MaxSummaryImages,
		Workers:          report.DefaultConfig().Workers,
	}, log)

	agg, err := p.aggregator(deps.Queue)
	if err != nil {
		return nil, err
	}
	p.Tracker = completion.New(p.Layout, agg, completion.Config{
		RecheckDelay: cfg.Completion.RecheckDelay,
		MaxAttempts:  cfg.Completion.MaxAttempts,
	}, log)

	opts := []dispatch.Option{
		dispatch.WithCallTimeout(cfg.Dispatch.CallTimeout),
		dispatch.WithCompletionHook(p.Tracker.PageAnalyzed),
	}
	if p.Storage != nil {
		opts = append(opts, dispatch.WithMirror(p.Storage))
	}
	p.Dispatcher = dispatch.New(p.Layout, p.Gate, p.Analyzer, log.Named("dispatch"), opts...)

	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.NewFitzRenderer(render.Options{
			DPI:       cfg.Render.DPI,
			Quality:   cfg.Render.JPEGQuality,
			Grayscale: cfg.Render.Grayscale,
			MaxWidth:  cfg.Render.MaxWidth,
		}, log.Named("render"))
	}

	throttle := debounce.Config{
		MaxEvents: cfg.Watch.MaxEvents,
		Window:    cfg.Watch.Window,
		Pause:     cfg.Watch.Pause,
	}
	uploadCfg, imageCfg := throttle, throttle
	uploadCfg.Quiet = cfg.Watch.UploadQuiet
	imageCfg.Quiet = cfg.Watch.ImageQuiet
	p.Uploads = watcher.NewUploadWatcher(p.Layout, renderer, p.Tracker, uploadCfg, cfg.Watch.InitialScan, log)
	p.Extracts = watcher.NewExtractWatcher(p.Layout, p.Dispatcher, imageCfg, cfg.Watch.InitialScan, log)
	return p, nil
}

func (p *Pipeline) aggregator(q queue.Queue) (completion.Aggregator, error) {
	switch p.cfg.Completion.Aggregation {
	case AggregateQueue:
		if q == nil {
			rc := config.GetRedisConfig()
			aq := queue.NewAsynqQueue(queue.Config{
				RedisAddr:      rc.Addr,
				RedisPassword:  rc.Password,
				RedisDB:        rc.DB,
				MaxRetries:     p.cfg.Queue.MaxRetries,
				ProcessTimeout: p.cfg.Queue.ProcessTimeout,
			})
			p.closers = append(p.closers, aq)
			q = aq
		}
		p.Queue = q
		p.Enqueuer = queue.NewAggregationEnqueuer(q, p.logger)
		return p.Enqueuer, nil
	case AggregateInline:
		return completion.AggregatorFunc(func(ctx context.Context, key models.DocumentKey) error {
			_, err := p.Reports.Aggregate(ctx, key)
			return err
		}), nil
	case AggregateNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported aggregation mode: %s", p.cfg.Completion.Aggregation)
	}
}

// Start creates the data roots, seeds the tracker from disk and starts both watchers.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.Layout.EnsureRoots(); err != nil {
		return fmt.Errorf("failed to create data roots: %w", err)
	}
	p.Tracker.Start(ctx)

	seeded, err := p.Tracker.Reconcile(ctx)
	if err != nil {
		p.logger.Warn("Reconcile failed", logger.Error(err))
	} else if seeded > 0 {
		p.logger.Info("Resumed incomplete documents", logger.Int("count", seeded))
	}

	if err := p.Extracts.Start(ctx); err != nil {
		return fmt.Errorf("failed to start extract watcher: %w", err)
	}
	if err := p.Uploads.Start(ctx); err != nil {
		_ = p.Extracts.Stop()
		return fmt.Errorf("failed to start upload watcher: %w", err)
	}
	p.started = true

	p.logger.Info("Pipeline started",
		logger.String("data_dir", p.cfg.DataDir),
		logger.String("analyzer", p.Analyzer.Name()),
		logger.String("aggregation", p.cfg.Completion.Aggregation),
		logger.Int("concurrency", p.Gate.Capacity()))
	return nil
}

// Stop shuts the watchers down before the tracker so no new work reaches it, then
// releases the collaborators.
func (p *Pipeline) Stop() error {
	var errs []error
	if p.started {
		errs = append(errs, p.Uploads.Stop(), p.Extracts.Stop())
	}
	p.Tracker.Stop()
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	p.logger.Info("Pipeline stopped")
	return errors.Join(errs...)
}

// Status reports tracker, dispatcher and watcher state.
func (p *Pipeline) Status() Status {
	return Status{
		Analyzer:       p.Analyzer.Name(),
		Aggregation:    p.cfg.Completion.Aggregation,
		Completion:     p.Tracker.Stats(),
		Documents:      p.Tracker.Snapshot(),
		Dispatch:       p.Dispatcher.Stats(),
		PendingUploads: p.Uploads.Pending(),
		PendingPages:   p.Extracts.Pending(),
	}
}

// ReprocessMissing dispatches every page image that has no analysis artifact yet and
// returns how many were analyzed.
func (p *Pipeline) ReprocessMissing(ctx context.Context) (int, error) {
	missing, err := p.Reports.FindMissing(ctx)
	if err != nil {
		return 0, err
	}
	p.logger.Info("Reprocessing missing pages", logger.Int("count", len(missing)))

	results := make([]dispatch.Outcome, len(missing))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Gate.Capacity())
	for i, ref := range missing {
		g.Go(func() error {
			outcome, err := p.Dispatcher.Dispatch(ctx, ref.ImagePath)
			if err != nil {
				p.logger.Warn("Reprocess failed", logger.String("path", ref.ImagePath), logger.Error(err))
			}
			results[i] = outcome
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	analyzed := 0
	for _, o := range results {
		if o == dispatch.Analyzed {
			analyzed++
		}
	}
	return analyzed, nil
}
