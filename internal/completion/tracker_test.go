package completion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

type recordingAggregator struct {
	mu    sync.Mutex
	calls []models.DocumentKey
	err   error
}

func (r *recordingAggregator) Aggregate(_ context.Context, key models.DocumentKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)
	return r.err
}

func (r *recordingAggregator) count(key models.DocumentKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.calls {
		if k == key {
			n++
		}
	}
	return n
}

var acme = models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"categories":[]}`), 0644))
}

func renderPages(t *testing.T, l *layout.Layout, key models.DocumentKey, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		writeFile(t, l.ImagePath(key, i))
	}
}

func analyze(t *testing.T, tr *Tracker, l *layout.Layout, key models.DocumentKey, page int) {
	t.Helper()
	writeFile(t, l.JSONPath(key, page))
	now := time.Now()
	tr.PageAnalyzed(models.PageArtifact{
		Key:            key,
		PageNumber:     page,
		ImagePath:      l.ImagePath(key, page),
		AnalysisPath:   l.JSONPath(key, page),
		LastAnalyzedAt: &now,
	})
}

func newTracker(t *testing.T, agg Aggregator, cfg Config, log logger.Logger) (*Tracker, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.EnsureRoots())
	tr := New(l, agg, cfg, log)
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr, l
}

func TestTrackerCompletesOnceWhenAllPagesAnalyzed(t *testing.T) {
	agg := &recordingAggregator{}
	tr, l := newTracker(t, agg, Config{RecheckDelay: 30 * time.Millisecond, MaxAttempts: 50}, logger.NewNop())

	tr.RenderStarted(acme)
	renderPages(t, l, acme, 2)
	tr.RenderCompleted(acme, 2)

	analyze(t, tr, l, acme, 1)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, agg.count(acme))
	require.Len(t, tr.Snapshot(), 1)
	assert.Equal(t, 1, tr.Snapshot()[0].Analyzed)

	analyze(t, tr, l, acme, 2)
	assert.Eventually(t, func() bool { return agg.count(acme) == 1 }, time.Second, 5*time.Millisecond)

	// the state is gone, so later rechecks cannot trigger again
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tr.Snapshot())
	assert.Equal(t, 1, agg.count(acme))
	assert.Equal(t, int64(1), tr.Stats().Completed)
}

func TestTrackerTimerCompletesWithoutRenderCount(t *testing.T) {
	agg := &recordingAggregator{}
	tr, l := newTracker(t, agg, Config{RecheckDelay: 20 * time.Millisecond}, logger.NewNop())

	renderPages(t, l, acme, 2)
	analyze(t, tr, l, acme, 1)
	analyze(t, tr, l, acme, 2)

	assert.Eventually(t, func() bool { return agg.count(acme) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Snapshot())
}

func TestTrackerNeverCompletesWithZeroRendered(t *testing.T) {
	agg := &recordingAggregator{}
	log := logger.NewTestLogger()
	tr, l := newTracker(t, agg, Config{RecheckDelay: 10 * time.Millisecond, MaxAttempts: 3}, log)

	// an analysis exists but no image was rendered
	analyze(t, tr, l, acme, 1)

	assert.Eventually(t, func() bool { return tr.Stats().Abandoned == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, agg.count(acme))
	assert.Empty(t, tr.Snapshot())
	assert.True(t, log.Contains("WARN", "Abandoned document"))
}

func TestTrackerWaitsWhileRendering(t *testing.T) {
	agg := &recordingAggregator{}
	tr, l := newTracker(t, agg, Config{RecheckDelay: 10 * time.Millisecond}, logger.NewNop())

	tr.RenderStarted(acme)
	renderPages(t, l, acme, 1)
	analyze(t, tr, l, acme, 1)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, agg.count(acme))
	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Rendering)

	renderPages(t, l, acme, 2)
	tr.RenderCompleted(acme, 2)
	analyze(t, tr, l, acme, 2)
	assert.Eventually(t, func() bool { return agg.count(acme) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTrackerReuploadStartsFreshCycle(t *testing.T) {
	agg := &recordingAggregator{}
	tr, l := newTracker(t, agg, Config{RecheckDelay: 20 * time.Millisecond}, logger.NewNop())

	tr.RenderStarted(acme)
	renderPages(t, l, acme, 1)
	tr.RenderCompleted(acme, 1)
	analyze(t, tr, l, acme, 1)
	assert.Eventually(t, func() bool { return agg.count(acme) == 1 }, time.Second, 5*time.Millisecond)

	// re-upload: the watcher clears the old artifacts before rendering again
	require.NoError(t, os.RemoveAll(l.ImageDir(acme)))
	require.NoError(t, os.RemoveAll(l.JSONDir(acme)))
	tr.RenderStarted(acme)
	first := tr.Snapshot()[0].Generation
	renderPages(t, l, acme, 2)
	tr.RenderCompleted(acme, 2)
	assert.Equal(t, first, tr.Snapshot()[0].Generation)

	analyze(t, tr, l, acme, 1)
	analyze(t, tr, l, acme, 2)
	assert.Eventually(t, func() bool { return agg.count(acme) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTrackerIgnoresStaleAnalyses(t *testing.T) {
	agg := &recordingAggregator{}
	tr, l := newTracker(t, agg, Config{RecheckDelay: 20 * time.Millisecond}, logger.NewNop())

	tr.RenderStarted(acme)
	renderPages(t, l, acme, 2)
	tr.RenderCompleted(acme, 2)

	// page 3 was written by an analysis of the previous upload
	analyze(t, tr, l, acme, 3)
	analyze(t, tr, l, acme, 1)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, agg.count(acme))
	require.Len(t, tr.Snapshot(), 1)
	assert.Equal(t, 1, tr.Snapshot()[0].Analyzed)

	analyze(t, tr, l, acme, 2)
	assert.Eventually(t, func() bool { return agg.count(acme) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTrackerRenderFailureAbandons(t *testing.T) {
	agg := &recordingAggregator{}
	log := logger.NewTestLogger()
	tr, _ := newTracker(t, agg, Config{RecheckDelay: 10 * time.Millisecond, MaxAttempts: 50}, log)

	tr.RenderStarted(acme)
	require.Len(t, tr.Snapshot(), 1)
	assert.True(t, tr.Snapshot()[0].Rendering)

	tr.RenderFailed(acme, errors.New("corrupt pdf"))
	assert.Empty(t, tr.Snapshot())
	assert.Equal(t, int64(1), tr.Stats().Abandoned)
	assert.True(t, log.Contains("WARN", "Abandoned document"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.Snapshot())
	assert.Equal(t, 0, agg.count(acme))
}

func TestTrackerAggregationFailureIsLogged(t *testing.T) {
	agg := &recordingAggregator{err: errors.New("queue down")}
	log := logger.NewTestLogger()
	tr, l := newTracker(t, agg, Config{RecheckDelay: 20 * time.Millisecond}, log)

	renderPages(t, l, acme, 1)
	tr.RenderCompleted(acme, 1)
	analyze(t, tr, l, acme, 1)

	assert.Eventually(t, func() bool { return log.Contains("ERROR", "Aggregation failed") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Snapshot())
}

func TestTrackerReconcile(t *testing.T) {
	agg := &recordingAggregator{}
	tr, l := newTracker(t, agg, Config{RecheckDelay: 20 * time.Millisecond}, logger.NewNop())

	done := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2023", Name: "old"}
	renderPages(t, l, done, 1)
	writeFile(t, l.JSONPath(done, 1))
	index := l.IndexPath(done)
	writeFile(t, index)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(index, future, future))

	pendingDoc := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "half"}
	renderPages(t, l, pendingDoc, 2)
	writeFile(t, l.JSONPath(pendingDoc, 1))

	ready := models.DocumentKey{Tenant: "beta", ReportType: "quarterly", Period: "2024", Name: "q1"}
	renderPages(t, l, ready, 1)
	writeFile(t, l.JSONPath(ready, 1))

	n, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Eventually(t, func() bool { return agg.count(ready) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, agg.count(done))

	assert.Eventually(t, func() bool {
		snap := tr.Snapshot()
		return len(snap) == 1 && snap[0].Key == pendingDoc && snap[0].Rendered == 2 && snap[0].Analyzed == 1
	}, time.Second, 5*time.Millisecond)

	// a second pass does not seed what is already tracked
	n, err = tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
