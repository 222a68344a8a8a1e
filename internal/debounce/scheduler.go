// Package debounce coalesces bursts of filesystem events into a single deferred action
// per path.
package debounce

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// Handler is invoked once a path has been quiet for the configured period. It receives
// the payload of the latest notification.
type Handler[T any] func(path string, payload T)

// Config controls the quiet period and the intake throttle.
type Config struct {
	// Quiet is how long a path must see no notification before its handler fires.
	Quiet time.Duration
	// MaxEvents notifications are accepted per Window across all paths; beyond that
	// Notify pauses. Zero disables the throttle.
	MaxEvents int
	Window    time.Duration
	Pause     time.Duration
}

// DefaultConfig matches the page-image watcher.
func DefaultConfig() Config {
	return Config{
		Quiet:     5 * time.Second,
		MaxEvents: 10,
		Window:    time.Second,
		Pause:     100 * time.Millisecond,
	}
}

type pendingAction[T any] struct {
	path    string
	payload T
	fireAt  time.Time
	timer   *time.Timer
}

// Scheduler keeps at most one pending action per path and never runs two handlers for
// the same path at once.
type Scheduler[T any] struct {
	cfg     Config
	handler Handler[T]
	logger  logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingAction[T]
	running map[string]struct{}
	stopped bool
	wg      sync.WaitGroup

	throttleMu sync.Mutex
	intake     []time.Time
}

// New creates a scheduler. The handler must not be nil.
func New[T any](cfg Config, handler Handler[T], log logger.Logger) *Scheduler[T] {
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultConfig().Quiet
	}
	if cfg.MaxEvents > 0 {
		if cfg.Window <= 0 {
			cfg.Window = time.Second
		}
		if cfg.Pause <= 0 {
			cfg.Pause = 100 * time.Millisecond
		}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler[T]{
		cfg:     cfg,
		handler: handler,
		logger:  log,
		pending: make(map[string]*pendingAction[T]),
		running: make(map[string]struct{}),
	}
}

// Notify registers activity on path. Any pending action for the path is cancelled and
// replaced; the handler fires after a full quiet period with this payload.
func (s *Scheduler[T]) Notify(path string, payload T) {
	s.throttle()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.pending[path]; ok {
		prev.timer.Stop()
	}
	a := &pendingAction[T]{path: path, payload: payload, fireAt: time.Now().Add(s.cfg.Quiet)}
	a.timer = time.AfterFunc(s.cfg.Quiet, func() { s.fire(a) })
	s.pending[path] = a
}

// Cancel drops the pending action for path, if any.
func (s *Scheduler[T]) Cancel(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[path]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.pending, path)
	return true
}

// Pending returns the sorted paths with a queued action.
func (s *Scheduler[T]) Pending() []string {
	s.mu.Lock()
	paths := make([]string, 0, len(s.pending))
	for p := range s.pending {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	sort.Strings(paths)
	return paths
}

// FireAt reports when the pending action for path is due.
func (s *Scheduler[T]) FireAt(path string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[path]
	if !ok {
		return time.Time{}, false
	}
	return a.fireAt, true
}

// Stop cancels every pending action and waits for running handlers. Later
// notifications are ignored.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	s.stopped = true
	for p, a := range s.pending {
		a.timer.Stop()
		delete(s.pending, p)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler[T]) fire(a *pendingAction[T]) {
	s.mu.Lock()
	if s.stopped || s.pending[a.path] != a {
		// superseded
		s.mu.Unlock()
		return
	}
	if _, busy := s.running[a.path]; busy {
		a.fireAt = time.Now().Add(s.cfg.Quiet)
		a.timer = time.AfterFunc(s.cfg.Quiet, func() { s.fire(a) })
		s.mu.Unlock()
		return
	}
	delete(s.pending, a.path)
	s.running[a.path] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, a.path)
		s.mu.Unlock()
		s.wg.Done()
	}()
	s.run(a.path, a.payload)
}

func (s *Scheduler[T]) run(path string, payload T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panicked",
				logger.String("path", path),
				logger.String("panic", fmt.Sprint(r)),
				logger.Stack())
		}
	}()
	s.handler(path, payload)
}

// throttle blocks while the intake window is full.
func (s *Scheduler[T]) throttle() {
	if s.cfg.MaxEvents <= 0 {
		return
	}
	warned := false
	for {
		s.throttleMu.Lock()
		now := time.Now()
		cutoff := now.Add(-s.cfg.Window)
		i := 0
		for i < len(s.intake) && !s.intake[i].After(cutoff) {
			i++
		}
		s.intake = s.intake[i:]
		if len(s.intake) < s.cfg.MaxEvents {
			s.intake = append(s.intake, now)
			s.throttleMu.Unlock()
			return
		}
		s.throttleMu.Unlock()

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if !warned {
			s.logger.Warn("Event storm, pausing intake",
				logger.Int("max_events", s.cfg.MaxEvents),
				logger.Duration("window", s.cfg.Window))
			warned = true
		}
		time.Sleep(s.cfg.Pause)
	}
}
