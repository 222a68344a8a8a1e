// Package dispatch drives page images through the analysis collaborator, one call per
// page at a time, bounded process-wide by a RateGate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/utils/fsutil"
	"github.com/feichai0017/report-pipeline/pkg/converters"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// ErrLocked is returned by the locked read when another process holds the file.
var ErrLocked = errors.New("file is locked")

// Outcome classifies a dispatch attempt.
type Outcome int

const (
	Analyzed Outcome = iota
	InFlight
	NotReady
	Locked
	Failed
	Rejected
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Analyzed:
		return "analyzed"
	case InFlight:
		return "in_flight"
	case NotReady:
		return "not_ready"
	case Locked:
		return "locked"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	case Superseded:
		return "superseded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PageAnalyzer is the external analysis collaborator.
type PageAnalyzer interface {
	AnalyzePage(ctx context.Context, page models.PageRef, image []byte) ([]byte, error)
}

// Mirror receives a copy of every artifact written. storage.Storage satisfies it.
type Mirror interface {
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
}

// Stats counts dispatch outcomes since start.
type Stats struct {
	Analyzed   int64    `json:"analyzed"`
	Failed     int64    `json:"failed"`
	NotReady   int64    `json:"not_ready"`
	Locked     int64    `json:"locked"`
	Rejected   int64    `json:"rejected"`
	Superseded int64    `json:"superseded"`
	InFlight   []string `json:"in_flight"`
	GateUse    int      `json:"gate_in_use"`
	GatePeak   int      `json:"gate_peak"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCallTimeout bounds each analysis call.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

// WithMirror copies artifacts to object storage after they are written.
func WithMirror(m Mirror) Option {
	return func(p *Dispatcher) { p.mirror = m }
}

// WithCompletionHook is called with every successfully analyzed page.
func WithCompletionHook(hook func(models.PageArtifact)) Option {
	return func(p *Dispatcher) { p.onAnalyzed = hook }
}

// Dispatcher analyzes page images and persists their JSON artifacts.
type Dispatcher struct {
	layout      *layout.Layout
	gate        *RateGate
	analyzer    PageAnalyzer
	mirror      Mirror
	onAnalyzed  func(models.PageArtifact)
	callTimeout time.Duration
	logger      logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	analyzed, failed, notReady, locked, rejected, superseded atomic.Int64
}

// New creates a dispatcher sharing gate with every other dispatcher in the process.
func New(l *layout.Layout, gate *RateGate, analyzer PageAnalyzer, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		layout:      l,
		gate:        gate,
		analyzer:    analyzer,
		callTimeout: 120 * time.Second,
		logger:      log,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch analyzes one page image. Transient conditions (already in flight, empty or
// missing file, lock held elsewhere) return a non-Analyzed outcome with a nil error;
// rejected paths and collaborator failures return an error. Nothing is retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, imagePath string) (Outcome, error) {
	ref, err := d.layout.ClassifyImage(imagePath)
	if err != nil {
		d.rejected.Add(1)
		d.logger.Warn("Rejected page image", logger.String("path", imagePath), logger.Error(err))
		return Rejected, err
	}
	log := d.logger.With(logger.String("document", ref.Key.String()), logger.Int("page", ref.Page))

	if !d.claim(imagePath) {
		log.Debug("Page already in flight")
		return InFlight, nil
	}
	defer d.unclaim(imagePath)

	info, err := os.Stat(imagePath)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.Size() == 0) {
		d.notReady.Add(1)
		log.Debug("Page image not ready")
		return NotReady, nil
	}
	if err != nil {
		d.failed.Add(1)
		return Failed, fmt.Errorf("failed to stat %s: %w", imagePath, err)
	}

	image, err := readLocked(imagePath)
	switch {
	case errors.Is(err, ErrLocked):
		d.locked.Add(1)
		log.Info("Page image locked, skipping")
		return Locked, nil
	case errors.Is(err, fs.ErrNotExist):
		d.notReady.Add(1)
		return NotReady, nil
	case err != nil:
		d.failed.Add(1)
		log.Error("Failed to read page image", logger.Error(err))
		return Failed, fmt.Errorf("failed to read %s: %w", imagePath, err)
	case len(image) == 0:
		d.notReady.Add(1)
		return NotReady, nil
	}

	start := time.Now()
	raw, err := d.analyze(ctx, ref, image)
	if err != nil {
		d.failed.Add(1)
		log.Error("Page analysis failed", logger.Error(err), logger.Duration("elapsed", time.Since(start)))
		return Failed, err
	}

	// 分析期间图片被重新渲染或删除，结果作废
	if !sameImage(imagePath, info) {
		d.superseded.Add(1)
		log.Info("Page image changed during analysis, dropping result")
		return Superseded, nil
	}

	jsonPath := d.layout.JSONPath(ref.Key, ref.Page)
	if err := fsutil.WriteFile(jsonPath, converters.Indent(raw), 0644); err != nil {
		d.failed.Add(1)
		log.Error("Failed to write analysis artifact", logger.Error(err))
		return Failed, err
	}
	d.mirrorArtifact(ctx, jsonPath, log)

	d.analyzed.Add(1)
	now := time.Now()
	log.Info("Page analyzed",
		logger.String("artifact", jsonPath),
		logger.Duration("elapsed", now.Sub(start)))

	if d.onAnalyzed != nil {
		d.onAnalyzed(models.PageArtifact{
			Key:            ref.Key,
			PageNumber:     ref.Page,
			ImagePath:      imagePath,
			AnalysisPath:   jsonPath,
			LastRenderedAt: info.ModTime(),
			LastAnalyzedAt: &now,
		})
	}
	return Analyzed, nil
}

// analyze holds a gate slot for exactly the duration of the outbound call.
func (d *Dispatcher) analyze(ctx context.Context, ref models.PageRef, image []byte) ([]byte, error) {
	if err := d.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire rate gate: %w", err)
	}
	defer d.gate.Release()

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	raw, err := d.analyzer.AnalyzePage(callCtx, ref, image)
	if err != nil {
		return nil, fmt.Errorf("analysis call failed: %w", err)
	}
	if _, err := converters.ParsePage(raw); err != nil {
		return nil, fmt.Errorf("analysis response rejected: %w", err)
	}
	return raw, nil
}

func (d *Dispatcher) mirrorArtifact(ctx context.Context, path string, log logger.Logger) {
	if d.mirror == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		log.Warn("Failed to open artifact for mirroring", logger.Error(err))
		return
	}
	defer f.Close()
	if _, err := d.mirror.Store(ctx, f, d.layout.Rel(path)); err != nil {
		log.Warn("Failed to mirror artifact", logger.Error(err))
	}
}

func (d *Dispatcher) claim(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[path]; ok {
		return false
	}
	d.inFlight[path] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(path string) {
	d.mu.Lock()
	delete(d.inFlight, path)
	d.mu.Unlock()
}

// Stats returns a point-in-time view of the dispatcher.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	paths := make([]string, 0, len(d.inFlight))
	for p := range d.inFlight {
		paths = append(paths, p)
	}
	d.mu.Unlock()
	sort.Strings(paths)

	return Stats{
		Analyzed:   d.analyzed.Load(),
		Failed:     d.failed.Load(),
		NotReady:   d.notReady.Load(),
		Locked:     d.locked.Load(),
		Rejected:   d.rejected.Load(),
		Superseded: d.superseded.Load(),
		InFlight:   paths,
		GateUse:    d.gate.InUse(),
		GatePeak:   d.gate.Peak(),
	}
}

// sameImage reports whether path still holds the file described by before.
func sameImage(path string, before os.FileInfo) bool {
	after, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(before, after) &&
		after.ModTime().Equal(before.ModTime()) &&
		after.Size() == before.Size()
}
