package parameters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("n_way=4,verbose,expr=a=b,")
	assert.Equal(t, Params{"n_way": "4", "verbose": "", "expr": "a=b"}, params)
	assert.Empty(t, NewFromConfigString(""))
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("n_way=4,verbose,threshold=1.5,bad=x")
	nWay, err := PopParamOr(params, "n_way", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, nWay)
	verbose, err := PopParamOr(params, "verbose", false)
	require.NoError(t, err)
	assert.True(t, verbose)
	threshold, err := PopParamOr(params, "threshold", float32(1.3))
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), threshold)
	missing, err := PopParamOr(params, "missing", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", missing)

	_, err = PopParamOr(params, "bad", 0)
	require.Error(t, err)
	_, err = GetParamOr(params, "bad", true)
	require.Error(t, err)

	err = CheckAllUsed(params, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
	delete(params, "bad")
	require.NoError(t, CheckAllUsed(params, "test"))
}

func TestYAML(t *testing.T) {
	data := []byte(`
episode_batch_size: 64
n_way: 4
percent_random: 0.2
gomlx:
  learning_rate: 0.001
  optimizer: adam
`)
	params, err := NewFromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, Params{
		"episode_batch_size":  "64",
		"n_way":               "4",
		"percent_random":      "0.2",
		"gomlx.learning_rate": "0.001",
		"gomlx.optimizer":     "adam",
	}, params)

	sub := Sub(params, "gomlx")
	assert.Equal(t, Params{"learning_rate": "0.001", "optimizer": "adam"}, sub)
	assert.Len(t, params, 3)

	_, err = NewFromYAML([]byte("a: [1, 2]"))
	require.Error(t, err)
}

func TestLoadYAMLFileAndMerge(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("n_way: 4\nepochs: 2\n"), 0644))
	fromFile, err := LoadYAMLFile(filePath)
	require.NoError(t, err)
	merged := Merge(fromFile, NewFromConfigString("epochs=3"))
	assert.Equal(t, Params{"n_way": "4", "epochs": "3"}, merged)

	_, err = LoadYAMLFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
