// Package cache holds computed query answers, invalidated globally by a fixed TTL and
// per source file by modification time.
package cache

import (
	"os"
	"sync"
	"time"
)

// Entry is one cached answer and the mtime snapshot of every file it was built from.
type Entry[T any] struct {
	Key        string
	ComputedAt time.Time
	TTL        time.Duration
	FileTimes  map[string]time.Time
	Payload    T
}

// Lookup is the result of ResultCache.Lookup.
type Lookup[T any] struct {
	// Found is set when an unexpired entry exists for the key.
	Found   bool
	Payload T
	// Hit means the payload can be served as is: the file set is identical and no
	// file changed since it was cached.
	Hit bool
	// Fresh lists the requested files whose contribution to Payload is still valid.
	Fresh map[string]bool
}

// ResultCache is safe for concurrent use.
type ResultCache[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry[T]
}

// New creates a cache. now may be nil, in which case time.Now is used.
func New[T any](ttl time.Duration, now func() time.Time) *ResultCache[T] {
	if now == nil {
		now = time.Now
	}
	return &ResultCache[T]{ttl: ttl, now: now, entries: make(map[string]*Entry[T])}
}

// Lookup checks key against the current on-disk state of files.
func (c *ResultCache[T]) Lookup(key string, files []string) Lookup[T] {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.valid(e) {
		return Lookup[T]{}
	}

	res := Lookup[T]{Found: true, Payload: e.Payload, Fresh: make(map[string]bool, len(files))}
	for _, f := range files {
		recorded, ok := e.FileTimes[f]
		if !ok {
			continue
		}
		mtime, err := modTime(f)
		if err != nil || mtime.After(recorded) {
			continue
		}
		res.Fresh[f] = true
	}
	res.Hit = len(res.Fresh) == len(files) && len(files) == len(e.FileTimes)
	return res
}

// Get returns the payload only on a full hit.
func (c *ResultCache[T]) Get(key string, files []string) (T, bool) {
	l := c.Lookup(key, files)
	return l.Payload, l.Hit
}

// Put records payload with the current mtime of every file. Files that cannot be
// stat'ed are left out, so a later lookup treats them as changed.
func (c *ResultCache[T]) Put(key string, payload T, files []string) {
	times := make(map[string]time.Time, len(files))
	for _, f := range files {
		if mtime, err := modTime(f); err == nil {
			times[f] = mtime
		}
	}
	e := &Entry[T]{Key: key, ComputedAt: c.now(), TTL: c.ttl, FileTimes: times, Payload: payload}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, old := range c.entries {
		if !c.valid(old) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = e
}

// Invalidate drops key.
func (c *ResultCache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included until the next sweep.
func (c *ResultCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ResultCache[T]) valid(e *Entry[T]) bool {
	return c.now().Sub(e.ComputedAt) < e.TTL
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
