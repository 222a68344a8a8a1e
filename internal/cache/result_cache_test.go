package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sourceFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	f1 := filepath.Join(dir, "r_page_1.json")
	f2 := filepath.Join(dir, "r_page_2.json")
	require.NoError(t, os.WriteFile(f1, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(f2, []byte("{}"), 0644))
	return f1, f2
}

func touch(t *testing.T, path string, d time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	mtime := info.ModTime().Add(d)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestHitWhileUnchangedAndUnexpired(t *testing.T) {
	f1, f2 := sourceFiles(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New[string](300*time.Second, clock.Now)

	c.Put("q", "payload", []string{f1, f2})
	clock.Advance(299 * time.Second)

	got, ok := c.Get("q", []string{f1, f2})
	assert.True(t, ok)
	assert.Equal(t, "payload", got)
}

func TestMissWhenFileNewer(t *testing.T) {
	f1, f2 := sourceFiles(t)
	c := New[string](time.Minute, nil)
	c.Put("q", "payload", []string{f1, f2})

	touch(t, f2, 2*time.Second)

	l := c.Lookup("q", []string{f1, f2})
	assert.True(t, l.Found)
	assert.False(t, l.Hit)
	assert.True(t, l.Fresh[f1], "unchanged file can be reused")
	assert.False(t, l.Fresh[f2])
}

func TestMissAfterTTLRegardlessOfMtimes(t *testing.T) {
	f1, f2 := sourceFiles(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New[string](300*time.Second, clock.Now)
	c.Put("q", "payload", []string{f1, f2})

	clock.Advance(300 * time.Second)
	l := c.Lookup("q", []string{f1, f2})
	assert.False(t, l.Found)
	assert.False(t, l.Hit)
	assert.Empty(t, l.Fresh)
}

func TestMissWhenFileSetChanges(t *testing.T) {
	f1, f2 := sourceFiles(t)
	c := New[int](time.Minute, nil)
	c.Put("q", 1, []string{f1})

	l := c.Lookup("q", []string{f1, f2})
	assert.False(t, l.Hit, "new file must be computed")
	assert.True(t, l.Fresh[f1])

	l = c.Lookup("q", nil)
	assert.False(t, l.Hit, "removed file must invalidate")
}

func TestMissWhenFileDeleted(t *testing.T) {
	f1, f2 := sourceFiles(t)
	c := New[int](time.Minute, nil)
	c.Put("q", 1, []string{f1, f2})
	require.NoError(t, os.Remove(f2))

	_, ok := c.Get("q", []string{f1, f2})
	assert.False(t, ok)
}

func TestPutSweepsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New[int](time.Second, clock.Now)
	c.Put("a", 1, nil)
	clock.Advance(2 * time.Second)
	c.Put("b", 2, nil)
	assert.Equal(t, 1, c.Len())

	c.Invalidate("b")
	assert.Zero(t, c.Len())
}
