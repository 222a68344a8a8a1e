package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Watch.ImageQuiet)
	assert.Equal(t, 10, cfg.Watch.MaxEvents)
	assert.Equal(t, 3, cfg.Dispatch.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Completion.RecheckDelay)
	assert.Equal(t, 120, cfg.Completion.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 60, cfg.Render.JPEGQuality)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/reports
watch:
  image_quiet: 2s
  max_events: 50
dispatch:
  concurrency: 8
  call_timeout: 45s
completion:
  max_attempts: 0
  aggregation: inline
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/reports", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.Watch.ImageQuiet)
	assert.Equal(t, 5*time.Second, cfg.Watch.UploadQuiet, "unset keys keep defaults")
	assert.Equal(t, 50, cfg.Watch.MaxEvents)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.CallTimeout)
	assert.Zero(t, cfg.Completion.MaxAttempts)
	assert.Equal(t, "inline", cfg.Completion.Aggregation)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/yaml\n"), 0644))
	t.Setenv("REPORT_DATA_DIR", "/from/env")
	t.Setenv("DISPATCH_CONCURRENCY", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
	assert.Equal(t, 6, cfg.Dispatch.Concurrency)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad yaml", yaml: "watch: [\n"},
		{name: "zero concurrency", yaml: "dispatch:\n  concurrency: 0\n"},
		{name: "unknown aggregation", yaml: "completion:\n  aggregation: kafka\n"},
		{name: "unknown storage", yaml: "storage:\n  type: gcs\n"},
		{name: "bad duration", yaml: "watch:\n  image_quiet: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pipeline.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
