// Package ai (Artificial Intelligence) defines the interfaces the QP models have to implement
// to be used by the self-play scheduler and the trainer.
//
// A QP model jointly outputs a policy P(s) and a Q-value Q(s, p): the expected outcome for the current
// player if it plays state s following the policy p.
package ai

import (
	"math"
	"slices"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/metaqp/internal/state"
)

// WinGameScore for the winning side. For the loosing side it is -WinGameScore.
// We make these +1 and -1, so it's easy to put a tanh(x) on the output of the model to get a
// value from +1 to -1.
const WinGameScore = float32(1)

// SquashScore converts any score to a value between +WinGameScore and -WinGameScore
// by using then tanh(x) function -- a type of S curve.
func SquashScore(x float32) float32 {
	return math32.Tanh(x) * WinGameScore
}

// QPModel is the inference side of a model: for each state it returns a policy and the Q-value
// of the given policies.
type QPModel interface {
	// Forward returns for each state the model's policy and the Q-value of playing the state with the given policy.
	//
	// If policies is nil (or policies[i] is nil) the model's own policy for the state is used as input to the Q-value.
	// percentRandom is the fraction of exploration noise mixed into the output policies (see policy.MixNoise):
	// the output policies are not corrected for legality.
	Forward(states []*state.State, policies [][]float32, percentRandom float32) (qs []float32, outPolicies [][]float32)

	// String returns the model name.
	String() string
}

// QPLearner is a QPModel that can be trained.
type QPLearner interface {
	QPModel

	// LearnQ takes one gradient step on the mean squared error between Q(states, policies) and the results,
	// scaled by weight. It returns the loss before the step.
	LearnQ(states []*state.State, policies [][]float32, results []float32, weight float32) (loss float32)

	// LearnPolicy takes one gradient step on the cross-entropy between P(states) and the target policies,
	// scaled by policyWeight, plus valueWeight*(Q(s, P(s))-1)^2. It returns the loss before the step.
	LearnPolicy(states []*state.State, targets [][]float32, policyWeight, valueWeight float32) (loss float32)

	// ClearOptimizer resets any optimizer state (e.g. moving averages of the gradients).
	ClearOptimizer()

	// CopyWeightsFrom copies all weights from src, that must be a model of the same type and dimensions.
	CopyWeightsFrom(src QPLearner) error

	// Save the model being learned -- or create a new checkpoint.
	Save() error
}

// Softmax returns the Softmax of the given logits in a numerically stable way.
func Softmax(logits []float32) (probs []float32) {
	probs = make([]float32, len(logits))
	if len(logits) == 0 {
		return
	}
	var sum float32

	// Subtracting the max value keeps the probabilities the same, with smaller exponentials.
	maxValue := slices.Max(logits)
	for ii, value := range logits {
		probs[ii] = float32(math.Exp(float64(value - maxValue)))
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return
}

// CrossEntropy between the target distribution and the predicted probabilities.
func CrossEntropy(target, probs []float32) (loss float32) {
	const epsilon = 1e-7
	for ii, t := range target {
		if t > 0 {
			loss -= t * math32.Log(max(probs[ii], epsilon))
		}
	}
	return
}
