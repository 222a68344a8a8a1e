package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

const pageJSON = `{"categories":[{"name":"Notes","confidence":0.9,"content":"x"}]}`

type fakeAnalyzer struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
	delay   time.Duration
	resp    []byte
	err     error
}

func (f *fakeAnalyzer) AnalyzePage(ctx context.Context, _ models.PageRef, _ []byte) ([]byte, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return []byte(pageJSON), nil
}

type fakeMirror struct {
	mu   sync.Mutex
	keys []string
}

func (m *fakeMirror) Store(_ context.Context, r io.Reader, key string) (string, error) {
	io.Copy(io.Discard, r)
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	return key, nil
}

var testKey = models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}

func writeImage(t *testing.T, l *layout.Layout, page int, content []byte) string {
	t.Helper()
	path := l.ImagePath(testKey, page)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestDispatchWritesArtifact(t *testing.T) {
	l := layout.New(t.TempDir())
	mirror := &fakeMirror{}
	var hooked []models.PageArtifact
	d := New(l, NewRateGate(3), &fakeAnalyzer{}, logger.NewNop(),
		WithMirror(mirror),
		WithCompletionHook(func(a models.PageArtifact) { hooked = append(hooked, a) }))

	img := writeImage(t, l, 1, []byte("jpeg"))
	outcome, err := d.Dispatch(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, Analyzed, outcome)

	data, err := os.ReadFile(l.JSONPath(testKey, 1))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Notes"`)

	require.Len(t, hooked, 1)
	assert.True(t, hooked[0].Analyzed())
	assert.Equal(t, 1, hooked[0].PageNumber)
	assert.Equal(t, []string{"jsons/acme/annual/2024/report/report_page_1.json"}, mirror.keys)
	assert.Equal(t, int64(1), d.Stats().Analyzed)
}

func TestDispatchZeroLengthIsNotReady(t *testing.T) {
	l := layout.New(t.TempDir())
	analyzer := &fakeAnalyzer{}
	d := New(l, NewRateGate(1), analyzer, logger.NewNop())

	img := writeImage(t, l, 1, nil)
	outcome, err := d.Dispatch(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, NotReady, outcome)
	assert.Zero(t, analyzer.calls.Load())
	assert.NoFileExists(t, l.JSONPath(testKey, 1))

	// the image settles with real content and a later event succeeds
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0644))
	outcome, err = d.Dispatch(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, Analyzed, outcome)
	assert.FileExists(t, l.JSONPath(testKey, 1))
}

func TestDispatchMissingFileIsNotReady(t *testing.T) {
	l := layout.New(t.TempDir())
	d := New(l, NewRateGate(1), &fakeAnalyzer{}, logger.NewNop())

	outcome, err := d.Dispatch(context.Background(), l.ImagePath(testKey, 4))
	require.NoError(t, err)
	assert.Equal(t, NotReady, outcome)
}

func TestDispatchRejectsMalformedPath(t *testing.T) {
	l := layout.New(t.TempDir())
	d := New(l, NewRateGate(1), &fakeAnalyzer{}, logger.NewNop())

	outcome, err := d.Dispatch(context.Background(), filepath.Join(l.ExtractRoot, "acme", "annual", "FY24", "r", "r_page_1.jpg"))
	assert.ErrorIs(t, err, layout.ErrMalformedPath)
	assert.Equal(t, Rejected, outcome)
}

func TestDispatchSamePathOnlyOnce(t *testing.T) {
	l := layout.New(t.TempDir())
	analyzer := &fakeAnalyzer{release: make(chan struct{})}
	d := New(l, NewRateGate(3), analyzer, logger.NewNop())
	img := writeImage(t, l, 1, []byte("jpeg"))

	first := make(chan Outcome, 1)
	go func() {
		o, _ := d.Dispatch(context.Background(), img)
		first <- o
	}()
	require.Eventually(t, func() bool { return analyzer.calls.Load() == 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	var inFlight atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o, _ := d.Dispatch(context.Background(), img); o == InFlight {
				inFlight.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), inFlight.Load())
	assert.Equal(t, []string{img}, d.Stats().InFlight)

	close(analyzer.release)
	assert.Equal(t, Analyzed, <-first)
	assert.Equal(t, int32(1), analyzer.calls.Load())
	assert.Empty(t, d.Stats().InFlight)
}

func TestDispatchRespectsGateCapacity(t *testing.T) {
	l := layout.New(t.TempDir())
	analyzer := &fakeAnalyzer{delay: 20 * time.Millisecond}
	gate := NewRateGate(3)
	d := New(l, gate, analyzer, logger.NewNop())

	var wg sync.WaitGroup
	for page := 1; page <= 12; page++ {
		img := writeImage(t, l, page, []byte("jpeg"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := d.Dispatch(context.Background(), img)
			assert.NoError(t, err)
			assert.Equal(t, Analyzed, o)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, analyzer.peak.Load(), int32(3))
	assert.LessOrEqual(t, gate.Peak(), 3)
	assert.Zero(t, gate.InUse())
	n, err := l.CountAnalyzed(testKey)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestDispatchFailureLeavesNoArtifact(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
	}{
		{name: "call error", analyzer: &fakeAnalyzer{err: errors.New("502 bad gateway")}},
		{name: "unparseable response", analyzer: &fakeAnalyzer{resp: []byte(`{"choices":[{"message":{"content":"no idea"}}]}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := layout.New(t.TempDir())
			gate := NewRateGate(1)
			hooked := false
			d := New(l, gate, tt.analyzer, logger.NewNop(),
				WithCompletionHook(func(models.PageArtifact) { hooked = true }))

			img := writeImage(t, l, 1, []byte("jpeg"))
			outcome, err := d.Dispatch(context.Background(), img)
			assert.Error(t, err)
			assert.Equal(t, Failed, outcome)
			assert.NoFileExists(t, l.JSONPath(testKey, 1))
			assert.False(t, hooked)
			assert.Zero(t, gate.InUse(), "gate slot released on failure")
			assert.Empty(t, d.Stats().InFlight)
		})
	}
}

func TestDispatchCallTimeout(t *testing.T) {
	l := layout.New(t.TempDir())
	gate := NewRateGate(1)
	d := New(l, gate, &fakeAnalyzer{release: make(chan struct{})}, logger.NewNop(),
		WithCallTimeout(20*time.Millisecond))

	img := writeImage(t, l, 1, []byte("jpeg"))
	outcome, err := d.Dispatch(context.Background(), img)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Failed, outcome)
	assert.Zero(t, gate.InUse())
}

func TestDispatchDropsResultWhenImageChanges(t *testing.T) {
	cases := map[string]func(t *testing.T, img string){
		"removed": func(t *testing.T, img string) {
			require.NoError(t, os.Remove(img))
		},
		"replaced": func(t *testing.T, img string) {
			tmp := img + ".tmp"
			require.NoError(t, os.WriteFile(tmp, []byte("rerendered jpeg"), 0644))
			require.NoError(t, os.Rename(tmp, img))
		},
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			l := layout.New(t.TempDir())
			analyzer := &fakeAnalyzer{release: make(chan struct{})}
			var hooked atomic.Int32
			d := New(l, NewRateGate(1), analyzer, logger.NewNop(),
				WithCompletionHook(func(models.PageArtifact) { hooked.Add(1) }))

			img := writeImage(t, l, 2, []byte("jpeg"))
			type result struct {
				outcome Outcome
				err     error
			}
			done := make(chan result, 1)
			go func() {
				o, err := d.Dispatch(context.Background(), img)
				done <- result{o, err}
			}()
			require.Eventually(t, func() bool { return analyzer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

			change(t, img)
			close(analyzer.release)

			res := <-done
			require.NoError(t, res.err)
			assert.Equal(t, Superseded, res.outcome)
			assert.Equal(t, "superseded", res.outcome.String())
			assert.NoFileExists(t, l.JSONPath(testKey, 2))
			assert.Zero(t, hooked.Load())
			assert.Equal(t, int64(1), d.Stats().Superseded)
			assert.Zero(t, d.Stats().Analyzed)
		})
	}
}
