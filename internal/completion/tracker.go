// Package completion decides when every rendered page of a document has been analyzed
// and hands the document to aggregation exactly once per ingestion cycle.
package completion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/report-pipeline/internal/debounce"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// Aggregator consumes completed documents. The tracker never looks at the result
// beyond logging it.
type Aggregator interface {
	Aggregate(ctx context.Context, key models.DocumentKey) error
}

// AggregatorFunc adapts a function to Aggregator.
type AggregatorFunc func(ctx context.Context, key models.DocumentKey) error

func (f AggregatorFunc) Aggregate(ctx context.Context, key models.DocumentKey) error {
	return f(ctx, key)
}

type Config struct {
	RecheckDelay time.Duration
	// MaxAttempts bounds timer rechecks per cycle; 0 polls forever.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{RecheckDelay: 30 * time.Second, MaxAttempts: 120}
}

type docState struct {
	key        models.DocumentKey
	generation string
	since      time.Time
	rendering  bool
	expected   int
	rendered   int
	analyzed   int
	attempts   int
	triggered  bool
}

// Stats counts terminal transitions since start.
type Stats struct {
	Tracking  int   `json:"tracking"`
	Completed int64 `json:"completed"`
	Abandoned int64 `json:"abandoned"`
}

// Tracker owns one state per document key in the Tracking state. Completed and
// abandoned documents are dropped; a new upload starts a new generation.
type Tracker struct {
	layout     *layout.Layout
	aggregator Aggregator
	cfg        Config
	logger     logger.Logger

	mu      sync.Mutex
	states  map[models.DocumentKey]*docState
	recheck *debounce.Scheduler[models.DocumentKey]

	ctx       context.Context
	aggWG     sync.WaitGroup
	completed atomic.Int64
	abandoned atomic.Int64
}

func New(l *layout.Layout, agg Aggregator, cfg Config, log logger.Logger) *Tracker {
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = DefaultConfig().RecheckDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	log = log.Named("completion")
	t := &Tracker{
		layout:     l,
		aggregator: agg,
		cfg:        cfg,
		logger:     log,
		states:     make(map[models.DocumentKey]*docState),
		ctx:        context.Background(),
	}
	t.recheck = debounce.New(debounce.Config{Quiet: cfg.RecheckDelay}, t.onRecheck, log)
	return t
}

// Start sets the context handed to the aggregator.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

// Stop cancels pending rechecks and waits for in-progress aggregation calls.
func (t *Tracker) Stop() {
	t.recheck.Stop()
	t.aggWG.Wait()
}

// RenderStarted begins a fresh cycle for key, discarding any previous state.
func (t *Tracker) RenderStarted(key models.DocumentKey) {
	t.mu.Lock()
	st := t.newState(key)
	st.rendering = true
	t.mu.Unlock()
	t.recheck.Cancel(key.String())
	t.logger.Info("Tracking document", logger.String("document", key.String()),
		logger.String("generation", st.generation))
}

// RenderCompleted records the authoritative page count for the current cycle.
func (t *Tracker) RenderCompleted(key models.DocumentKey, pages int) {
	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		st = t.newState(key)
	}
	st.rendering = false
	st.expected = pages
	t.mu.Unlock()

	if pages == 0 {
		t.logger.Warn("Document rendered no pages", logger.String("document", key.String()))
	}
	t.arm(key)
}

// RenderFailed ends the current cycle of key as abandoned. A later upload of the same
// document starts a new generation.
func (t *Tracker) RenderFailed(key models.DocumentKey, err error) {
	t.mu.Lock()
	st, ok := t.states[key]
	delete(t.states, key)
	t.mu.Unlock()
	t.recheck.Cancel(key.String())

	t.abandoned.Add(1)
	fields := []logger.Field{
		logger.String("document", key.String()),
		logger.String("reason", "render failed"),
		logger.Error(err),
	}
	if ok {
		fields = append(fields, logger.String("generation", st.generation))
	}
	t.logger.Warn("Abandoned document", fields...)
}

// PageAnalyzed is the dispatcher completion hook. It starts tracking unseen documents,
// re-arms the recheck and, once the page count is known, evaluates completion at once.
func (t *Tracker) PageAnalyzed(a models.PageArtifact) {
	t.mu.Lock()
	st, ok := t.states[a.Key]
	if !ok {
		st = t.newState(a.Key)
		t.logger.Info("Tracking document", logger.String("document", a.Key.String()),
			logger.String("generation", st.generation))
	}
	known := !st.rendering && st.expected > 0
	t.mu.Unlock()

	if known {
		if t.evaluate(a.Key, false) {
			return
		}
	}
	t.arm(a.Key)
}

// Reconcile seeds a Tracking state for every rendered document that is not tracked
// yet and has no aggregation output newer than its analyses. It returns how many
// documents were seeded.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	keys, err := t.layout.Documents()
	if err != nil {
		return 0, fmt.Errorf("failed to list documents: %w", err)
	}

	var seeded atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			done, err := t.aggregated(key)
			if err != nil {
				t.logger.Warn("Failed to check aggregation output",
					logger.String("document", key.String()), logger.Error(err))
			}
			if done {
				return nil
			}
			t.mu.Lock()
			_, tracked := t.states[key]
			if !tracked {
				t.newState(key)
			}
			t.mu.Unlock()
			if !tracked {
				t.arm(key)
				seeded.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(seeded.Load()), err
	}
	t.logger.Info("Reconciled documents",
		logger.Int("found", len(keys)),
		logger.Int64("seeded", seeded.Load()))
	return int(seeded.Load()), nil
}

// Snapshot lists the tracked documents sorted by key.
func (t *Tracker) Snapshot() []models.CompletionStatus {
	t.mu.Lock()
	out := make([]models.CompletionStatus, 0, len(t.states))
	for _, st := range t.states {
		s := models.CompletionStatus{
			Key:          st.key,
			Generation:   st.generation,
			State:        models.StateTracking,
			Rendering:    st.rendering,
			Expected:     st.expected,
			Rendered:     st.rendered,
			Analyzed:     st.analyzed,
			Attempts:     st.attempts,
			TrackedSince: st.since,
		}
		out = append(out, s)
	}
	t.mu.Unlock()

	for i := range out {
		if at, ok := t.recheck.FireAt(out[i].Key.String()); ok {
			out[i].NextCheck = &at
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	n := len(t.states)
	t.mu.Unlock()
	return Stats{Tracking: n, Completed: t.completed.Load(), Abandoned: t.abandoned.Load()}
}

// newState must be called with t.mu held.
func (t *Tracker) newState(key models.DocumentKey) *docState {
	st := &docState{key: key, generation: uuid.NewString(), since: time.Now()}
	t.states[key] = st
	return st
}

func (t *Tracker) arm(key models.DocumentKey) {
	t.recheck.Notify(key.String(), key)
}

func (t *Tracker) onRecheck(_ string, key models.DocumentKey) {
	if t.evaluate(key, true) {
		return
	}

	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.attempts++
	if t.cfg.MaxAttempts > 0 && st.attempts >= t.cfg.MaxAttempts {
		delete(t.states, key)
		t.mu.Unlock()
		t.abandoned.Add(1)
		t.logger.Warn("Abandoned document",
			logger.String("document", key.String()),
			logger.String("generation", st.generation),
			logger.Int("attempts", st.attempts),
			logger.Int("rendered", st.rendered),
			logger.Int("analyzed", st.analyzed))
		return
	}
	t.mu.Unlock()
	t.arm(key)
}

// evaluate counts the document's files and triggers aggregation when every rendered
// page has an analysis. It reports whether the document left the Tracking state.
func (t *Tracker) evaluate(key models.DocumentKey, fromTimer bool) bool {
	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		t.mu.Unlock()
		return true
	}
	generation := st.generation
	t.mu.Unlock()

	rendered, err := t.layout.CountRendered(key)
	if err != nil {
		t.logger.Warn("Failed to count rendered pages", logger.String("document", key.String()), logger.Error(err))
		return false
	}
	analyzed, err := t.layout.CountAnalyzed(key)
	if err != nil {
		t.logger.Warn("Failed to count analyzed pages", logger.String("document", key.String()), logger.Error(err))
		return false
	}

	t.mu.Lock()
	st, ok = t.states[key]
	if !ok || st.generation != generation {
		// superseded while counting
		t.mu.Unlock()
		return !ok
	}
	st.rendered, st.analyzed = rendered, analyzed
	total := rendered
	if st.expected > total {
		total = st.expected
	}
	if st.rendering || total == 0 || analyzed < total || st.triggered {
		t.mu.Unlock()
		if fromTimer {
			t.logger.Debug("Document not complete",
				logger.String("document", key.String()),
				logger.Int("rendered", rendered),
				logger.Int("analyzed", analyzed),
				logger.Bool("rendering", st.rendering))
		}
		return false
	}
	st.triggered = true
	delete(t.states, key)
	ctx := t.ctx
	t.aggWG.Add(1)
	t.mu.Unlock()

	if !fromTimer {
		t.recheck.Cancel(key.String())
	}
	t.completed.Add(1)
	t.logger.Info("Document complete, triggering aggregation",
		logger.String("document", key.String()),
		logger.String("generation", generation),
		logger.Int("pages", total))

	go func() {
		defer t.aggWG.Done()
		if t.aggregator == nil {
			return
		}
		if err := t.aggregator.Aggregate(ctx, key); err != nil {
			t.logger.Error("Aggregation failed",
				logger.String("document", key.String()),
				logger.String("generation", generation),
				logger.Error(err))
		}
	}()
	return true
}

// aggregated reports whether the document's category index is newer than every one of
// its page analyses.
func (t *Tracker) aggregated(key models.DocumentKey) (bool, error) {
	info, err := os.Stat(t.layout.IndexPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	files, err := t.layout.PageFiles(key)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if fi.ModTime().After(info.ModTime()) {
			return false, nil
		}
	}
	return len(files) > 0, nil
}
