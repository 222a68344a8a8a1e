//go:build unix

package dispatch

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

func TestDispatchLockedFileIsSkipped(t *testing.T) {
	l := layout.New(t.TempDir())
	analyzer := &fakeAnalyzer{}
	d := New(l, NewRateGate(1), analyzer, logger.NewNop())
	img := writeImage(t, l, 1, []byte("jpeg"))

	holder, err := os.Open(img)
	require.NoError(t, err)
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))

	outcome, err := d.Dispatch(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, Locked, outcome)
	assert.Zero(t, analyzer.calls.Load())

	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	holder.Close()

	outcome, err = d.Dispatch(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, Analyzed, outcome)
}
