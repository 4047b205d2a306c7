package trainer

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/ai/linear"
	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/janpfeifer/metaqp/internal/memories"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLearner records how it was trained.
type countingLearner struct {
	qCalls, pCalls, saves int
	qRows, pRows          []int
	qResults              []float32
	pTargets              [][]float32
	panicOnLearn          bool
}

var _ ai.QPLearner = (*countingLearner)(nil)

func (c *countingLearner) Forward(states []*state.State, _ [][]float32, _ float32) ([]float32, [][]float32) {
	return make([]float32, len(states)), make([][]float32, len(states))
}
func (c *countingLearner) String() string { return "counting" }
func (c *countingLearner) LearnQ(states []*state.State, _ [][]float32, results []float32, _ float32) float32 {
	if c.panicOnLearn {
		panic(errors.New("learning blew up"))
	}
	c.qCalls++
	c.qRows = append(c.qRows, len(states))
	c.qResults = results
	return 1
}
func (c *countingLearner) LearnPolicy(states []*state.State, targets [][]float32, _, _ float32) float32 {
	c.pCalls++
	c.pRows = append(c.pRows, len(states))
	c.pTargets = targets
	return 2
}
func (c *countingLearner) ClearOptimizer()                     {}
func (c *countingLearner) CopyWeightsFrom(_ ai.QPLearner) error { return nil }
func (c *countingLearner) Save() error                          { c.saves++; return nil }

var testShape = state.Shape{Channels: 3, Rows: 1, Cols: 3}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NWay = 2
	cfg.EpisodeBatchSize = 4
	cfg.NumActions = 3
	cfg.Channels, cfg.Rows, cfg.Cols = testShape.Channels, testShape.Rows, testShape.Cols
	cfg.TrainingBatchSize = 6 // 3 tasks per minibatch.
	cfg.MinTaskMemories = 4
	cfg.TrainingLoops = 5
	cfg.Epochs = 2
	cfg.QUpdatesPer = 3
	return cfg
}

// makeTask with a root state marked with id, and numMemories memories with the given result.
func makeTask(id int, numMemories int, result float32) *episode.Task {
	s := state.New(testShape, 2)
	s.Data[0] = float32(id)
	task := &episode.Task{State: s, ImprovedPolicy: []float32{1, 0, 0}}
	for range numMemories {
		task.Memories = append(task.Memories, episode.Memory{Policy: []float32{0.5, 0.5, 0}, Result: result})
	}
	return task
}

func TestSampleMinibatch(t *testing.T) {
	cfg := testConfig()
	tr := New(cfg, &countingLearner{}, rand.New(rand.NewPCG(1, 2)))
	store := memories.New(cfg.MaxTaskMemories)
	for ii := range 3 {
		store.Append(makeTask(ii, 2, 1))
	}
	assert.Nil(t, tr.SampleMinibatch(store), "fewer than MinTaskMemories tasks")
	store.Append(makeTask(3, 2, 1), makeTask(4, 2, 1))
	assert.Len(t, tr.SampleMinibatch(store), 3)

	cfg.TrainingBatchSize = 100
	tr = New(cfg, &countingLearner{}, rand.New(rand.NewPCG(1, 2)))
	assert.Len(t, tr.SampleMinibatch(store), 5, "capped at the number of stored tasks")
}

func TestTrainTasks(t *testing.T) {
	cfg := testConfig()
	learner := &countingLearner{}
	tr := New(cfg, learner, rand.New(rand.NewPCG(1, 2)))
	// Tasks may have fewer than NWay memories, if lines finished during the first match step.
	tasks := []*episode.Task{makeTask(0, 2, 1), makeTask(1, 1, -1), makeTask(2, 0, 0)}
	qLoss, pLoss := tr.TrainTasks(tasks)
	assert.Equal(t, float32(1), qLoss)
	assert.Equal(t, float32(2), pLoss)
	assert.Equal(t, cfg.Epochs*cfg.QUpdatesPer, learner.qCalls)
	assert.Equal(t, cfg.Epochs, learner.pCalls)
	assert.Equal(t, []int{3, 3, 3, 3, 3, 3}, learner.qRows, "one row per memory")
	assert.Equal(t, []int{3, 3}, learner.pRows, "one row per task")
	assert.Equal(t, []float32{1, 1, -1}, learner.qResults)
	assert.Len(t, learner.pTargets, 3)
	assert.Equal(t, cfg.Epochs, tr.History.Len())
}

func TestTrain(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()
	learner := &countingLearner{}
	tr := New(cfg, learner, rand.New(rand.NewPCG(1, 2)))
	tr.HistoryPath = filepath.Join(t.TempDir(), "history.bin")
	store := memories.New(cfg.MaxTaskMemories)
	store.Append(makeTask(0, 2, 1))
	require.ErrorIs(t, tr.Train(ctx, store), ErrInsufficientExperience)
	assert.Zero(t, learner.qCalls)
	assert.Zero(t, learner.saves)

	for ii := 1; ii < 6; ii++ {
		store.Append(makeTask(ii, 2, 1))
	}
	var progressCalls int
	tr.Progress = func(_ int, _, _ float32) { progressCalls++ }
	require.NoError(t, tr.Train(ctx, store))
	assert.Equal(t, cfg.TrainingLoops, progressCalls)
	assert.Equal(t, cfg.TrainingLoops*cfg.Epochs, learner.pCalls)
	assert.Equal(t, 1, learner.saves)

	history, err := LoadHistory(tr.HistoryPath)
	require.NoError(t, err)
	assert.Equal(t, tr.History.Len(), history.Len())
	assert.Equal(t, float32(2), history.PLoss[0])

	// Empty history for a missing file.
	history, err = LoadHistory(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, history.Len())
}

func TestTrainFailures(t *testing.T) {
	cfg := testConfig()
	store := memories.New(cfg.MaxTaskMemories)
	for ii := range 6 {
		store.Append(makeTask(ii, 2, 1))
	}

	learner := &countingLearner{panicOnLearn: true}
	tr := New(cfg, learner, rand.New(rand.NewPCG(1, 2)))
	err := tr.Train(context.Background(), store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning blew up")
	assert.Zero(t, learner.saves)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	learner = &countingLearner{}
	tr = New(cfg, learner, rand.New(rand.NewPCG(1, 2)))
	require.ErrorIs(t, tr.Train(ctx, store), context.Canceled)
	assert.Zero(t, learner.qCalls)
}

func TestTrainLinear(t *testing.T) {
	cfg := testConfig()
	cfg.TrainingLoops = 200
	cfg.MinTaskMemories = 1
	model := linear.New(testShape, cfg.NumActions, 42)
	model.LearningRate = 0.05
	tr := New(cfg, model, rand.New(rand.NewPCG(1, 2)))
	store := memories.New(cfg.MaxTaskMemories)
	store.Append(makeTask(1, 2, 1), makeTask(2, 2, 1), makeTask(3, 2, 1))
	require.NoError(t, tr.Train(context.Background(), store))

	first, last := tr.History.QLoss[0], tr.History.QLoss[tr.History.Len()-1]
	assert.Less(t, last, first, "Q loss should go down")
	first, last = tr.History.PLoss[0], tr.History.PLoss[tr.History.Len()-1]
	assert.Less(t, last, first, "policy loss should go down")
}

func TestMovingAverage(t *testing.T) {
	// First value is taken as is.
	assert.Equal(t, float32(3), movingAverage(0, 3, averageLossDecay, 1))
	assert.InDelta(t, 2.0, movingAverage(3, 1, averageLossDecay, 2), 1e-6)
	assert.InDelta(t, 3*0.95+0.05, movingAverage(3, 1, averageLossDecay, 1000), 1e-6)
}
