// Package trainer trains the current QP network from minibatches of tasks sampled from the experience store.
//
// Each task contributes one Q-value example per memory (its root state, the memory's starting policy and
// the result of playing it out), and one policy example (its root state and improved policy).
package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/janpfeifer/metaqp/internal/memories"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInsufficientExperience is returned by Train when the store doesn't have enough tasks to train yet.
// It is not fatal: training is simply skipped.
var ErrInsufficientExperience = errors.New("not enough experience to train")

// Trainer of the current network.
type Trainer struct {
	cfg     config.Config
	learner ai.QPLearner
	rng     *rand.Rand

	// History of the losses.
	History *History

	// HistoryPath where to save the History after each Train call. If empty it is not saved.
	HistoryPath string

	// Progress, if set, is called after each minibatch with the moving average of the losses.
	Progress func(step int, qLoss, pLoss float32)
}

// New creates a Trainer for learner.
func New(cfg config.Config, learner ai.QPLearner, rng *rand.Rand) *Trainer {
	return &Trainer{
		cfg:     cfg,
		learner: learner,
		rng:     rng,
		History: &History{},
	}
}

// SampleMinibatch returns TrainingBatchSize/NWay tasks sampled uniformly without replacement (or all of them,
// if there are fewer). It returns nil if the store has fewer than MinTaskMemories tasks.
func (t *Trainer) SampleMinibatch(store *memories.Store) []*episode.Task {
	if store.Len() < t.cfg.MinTaskMemories || store.Len() == 0 {
		return nil
	}
	return store.Sample(t.cfg.MinibatchTasks(), t.rng)
}

// examples for one minibatch.
type examples struct {
	// One per memory.
	qStates   []*state.State
	qPolicies [][]float32
	qResults  []float32

	// One per task.
	pStates  []*state.State
	pTargets [][]float32
}

func buildExamples(tasks []*episode.Task) *examples {
	ex := &examples{}
	for _, task := range tasks {
		for _, memory := range task.Memories {
			ex.qStates = append(ex.qStates, task.State)
			ex.qPolicies = append(ex.qPolicies, memory.Policy)
			ex.qResults = append(ex.qResults, memory.Result)
		}
		ex.pStates = append(ex.pStates, task.State)
		ex.pTargets = append(ex.pTargets, task.ImprovedPolicy)
	}
	return ex
}

// TrainTasks trains the learner on one minibatch of tasks for cfg.Epochs epochs. Each epoch takes QUpdatesPer
// steps on the Q-value loss, followed by one step on the policy loss.
//
// It returns the losses of the last epoch, which are also appended to the History.
func (t *Trainer) TrainTasks(tasks []*episode.Task) (qLoss, pLoss float32) {
	ex := buildExamples(tasks)
	if len(ex.pStates) == 0 {
		return
	}
	for range t.cfg.Epochs {
		if len(ex.qStates) > 0 {
			for range t.cfg.QUpdatesPer {
				qLoss = t.learner.LearnQ(ex.qStates, ex.qPolicies, ex.qResults, t.cfg.QLossWeight)
			}
		}
		pLoss = t.learner.LearnPolicy(ex.pStates, ex.pTargets, t.cfg.PolicyLossWeight, t.cfg.ValueLossWeight)
		t.History.Append(qLoss, pLoss)
	}
	return
}

// Train runs TrainingLoops minibatches sampled from store, and saves the learner and the History.
//
// It returns ErrInsufficientExperience if the store doesn't have enough tasks: nothing is trained then.
// If ctx is cancelled, it stops after the current minibatch, and returns the context error.
func (t *Trainer) Train(ctx context.Context, store *memories.Store) error {
	if store.Len() < t.cfg.MinTaskMemories || store.Len() == 0 {
		return errors.Wrapf(ErrInsufficientExperience, "%d tasks stored, %d required", store.Len(), t.cfg.MinTaskMemories)
	}
	var avgQLoss, avgPLoss float32
	start := time.Now()
	var step int
	err := exceptions.TryCatch[error](func() {
		for step = 1; step <= t.cfg.TrainingLoops; step++ {
			if ctx.Err() != nil {
				return
			}
			qLoss, pLoss := t.TrainTasks(t.SampleMinibatch(store))
			avgQLoss = movingAverage(avgQLoss, qLoss, averageLossDecay, step)
			avgPLoss = movingAverage(avgPLoss, pLoss, averageLossDecay, step)
			if t.Progress != nil {
				t.Progress(step, avgQLoss, avgPLoss)
			}
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "training %s failed at step %d", t.learner, step)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	klog.V(1).Infof("Trained %s for %d steps in %s: ~q_loss=%.3f, ~p_loss=%.3f",
		t.learner, t.cfg.TrainingLoops, time.Since(start), avgQLoss, avgPLoss)

	if err := t.learner.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save model after training")
	}
	if t.HistoryPath != "" {
		if err := t.History.Save(t.HistoryPath); err != nil {
			return err
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	return fmt.Sprintf("Trainer(%s, %d steps recorded)", t.learner, t.History.Len())
}

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}
