package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferflow/inferflow/serve"
	"github.com/inferflow/inferflow/serve/model"
)

const sampleConfig = `
model_dir: /models
sessions:
  - name: detector
    model_path: yolo.model
    function_name: subnet0
    batch_size: 8
    strategy: static
    batch_timeout_ms: 20
    priority: 2
    engine_num: 3
    cache_capacity: 12
    show_perf: true
  - name: classifier
    model_path: resnet.model
    function_name: subnet0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSessionConfigs(t *testing.T) {
	cfg, err := LoadSessionConfigs(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/models", cfg.ModelDir)
	require.Len(t, cfg.Sessions, 2)
	assert.Equal(t, "detector", cfg.Sessions[0].Name)
	assert.Equal(t, 8, cfg.Sessions[0].BatchSize)
	assert.Equal(t, "static", cfg.Sessions[0].Strategy)
	assert.True(t, cfg.Sessions[0].ShowPerf)
	assert.Equal(t, "classifier", cfg.Sessions[1].Name)
}

func TestLoadSessionConfigs_MissingFile(t *testing.T) {
	_, err := LoadSessionConfigs("/no/such/file.yaml")
	assert.Error(t, err)
}

func TestLoadSessionConfigs_MalformedYAML(t *testing.T) {
	_, err := LoadSessionConfigs(writeConfig(t, "sessions: [unclosed"))
	assert.Error(t, err)
}

func TestSessionConfig_ToDesc(t *testing.T) {
	cfg, err := LoadSessionConfigs(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	mgr := model.NewManager(nil, 4)
	desc, err := cfg.Sessions[0].ToDesc(mgr)
	require.NoError(t, err)

	assert.Equal(t, "detector", desc.Name)
	assert.Equal(t, serve.Static, desc.Strategy)
	assert.Equal(t, 8, desc.Model.BatchSize)
	assert.Equal(t, 20*time.Millisecond, desc.BatchTimeout)
	assert.EqualValues(t, 2, desc.Priority)
	assert.Equal(t, 3, desc.EngineNum)
	assert.Equal(t, 12, desc.CacheCapacity)
	assert.True(t, desc.ShowPerf)
	require.NotNil(t, desc.Preproc)
}

func TestSessionConfig_ToDescDefaultsStrategy(t *testing.T) {
	mgr := model.NewManager(nil, 4)
	desc, err := SessionConfig{Name: "d", ModelPath: "m.model", FunctionName: "f"}.ToDesc(mgr)
	require.NoError(t, err)
	assert.Equal(t, serve.Dynamic, desc.Strategy)
}

func TestSessionConfig_ToDescRejectsUnknownStrategy(t *testing.T) {
	mgr := model.NewManager(nil, 4)
	_, err := SessionConfig{Name: "d", ModelPath: "m.model", Strategy: "adaptive"}.ToDesc(mgr)
	assert.Error(t, err)
}
