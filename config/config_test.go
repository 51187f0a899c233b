package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
engine:
  data_dir: "/tmp/test_data"
  max_key_bytes: 1024
  compaction:
    file_count_threshold: 8
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "/tmp/test_data", cfg.Engine.DataDir)
	assert.Equal(t, 1024, cfg.Engine.MaxKeyBytes)
	assert.Equal(t, 8, cfg.Engine.Compaction.FileCountThreshold)

	// unrelated default survives the partial override
	assert.Equal(t, 0.5, cfg.Engine.Compaction.DeadRatioThreshold)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
engine:
  wal:
    sync_mode: "data_only"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "data_only", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, 4, cfg.Engine.Compaction.FileCountThreshold)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "./data", cfg.Engine.DataDir)

	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "full", cfg.Engine.WAL.SyncMode)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
engine:
  data_dir: "/tmp/test_data"
  this: is: invalid: yaml
`
	reader := strings.NewReader(yamlContent)
	_, err := Load(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
engine:
  data_dir: "/var/lib/clawstore"
`
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "/var/lib/clawstore", cfg.Engine.DataDir)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "./data", cfg.Engine.DataDir)
	})
}

func TestPresetsDivergeFromDefaults(t *testing.T) {
	server := ServerPreset()
	embedded := EmbeddedPreset()
	constrained := ConstrainedPreset()

	assert.Greater(t, server.Engine.WAL.MaxSegmentBytes, embedded.Engine.WAL.MaxSegmentBytes)
	assert.Greater(t, server.Engine.Cache.NegativeCacheCapacity, embedded.Engine.Cache.NegativeCacheCapacity)

	assert.Less(t, constrained.Engine.WAL.MaxSegmentBytes, embedded.Engine.WAL.MaxSegmentBytes)
	assert.Less(t, constrained.Engine.Trickle.IntervalMs, embedded.Engine.Trickle.IntervalMs)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}
