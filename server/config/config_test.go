package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/roidetect/server/pipeline"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	fn := filepath.Join(t.TempDir(), "roidetect.json")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"modelDir": "/var/lib/models", "resizeQuality": "high", "maxWeightsMB": 64}`))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/models", cfg.ModelDir)
	// Defaults survive for absent fields
	require.Equal(t, ":8090", cfg.ListenAddr)
	require.Equal(t, 15*time.Second, cfg.ErrorLogInterval())

	pc := cfg.PipelineConfig()
	require.Equal(t, pipeline.ResizeQualityHigh, pc.ResizeQuality)
	require.Equal(t, int64(64*1024*1024), pc.MaxWeightsBytes)
	require.Equal(t, "/var/lib/models", pc.ModelDir)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, `{"modelDir": `))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"resizeQuality": "ultra"}`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"numThreads": -1}`))
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
