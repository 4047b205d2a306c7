package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/metaqp/internal/ai/linear"
	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
n_way: 2
episode_batch_size: 8
model:
  learning_rate: 0.05
`), 0o644))
	*flagConfigFile = yamlPath
	*flagConfig = "training_loops=3,model.l2_reg=0.001"
	defer func() { *flagConfigFile, *flagConfig = "", "" }()

	cfg, modelParams, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NWay)
	assert.Equal(t, 8, cfg.EpisodeBatchSize)
	assert.Equal(t, 3, cfg.TrainingLoops)
	assert.Equal(t, parameters.Params{"learning_rate": "0.05", "l2_reg": "0.001"}, modelParams)

	*flagConfig = "unknown_key=1"
	_, _, err = loadConfig()
	require.Error(t, err)
}

func TestNewGame(t *testing.T) {
	cfg := config.Default()
	game, err := newGame(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, game.WinLength)

	cfg.Cols = 4
	_, err = newGame(cfg)
	require.Error(t, err)

	cfg.Cols, cfg.Rows = 5, 5
	*flagWinLength = 4
	defer func() { *flagWinLength = 0 }()
	game, err = newGame(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, game.WinLength)
}

func TestCreateLinearModels(t *testing.T) {
	*flagDir = t.TempDir()
	*flagModel = "linear"
	cfg := config.Default()
	params := parameters.Params{"learning_rate": "0.5", "momentum": "0"}
	current, best, err := createModels(cfg, params, 1)
	require.NoError(t, err)
	assert.Empty(t, params, "linear hyperparameters should be consumed")
	assert.Equal(t, float32(0.5), current.(*linear.Model).LearningRate)
	assert.Equal(t, float32(0), best.(*linear.Model).Momentum)
	assert.FileExists(t, filepath.Join(*flagDir, "best.txt"), "best model is saved on creation")

	*flagModel = "unknown"
	_, _, err = createModels(cfg, parameters.Params{}, 1)
	require.Error(t, err)
}
