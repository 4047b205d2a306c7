package gomlx

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/metaqp/internal/generics"
	"github.com/janpfeifer/metaqp/internal/parameters"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var testShape = state.Shape{Channels: 3, Rows: 3, Cols: 3}

const testNumActions = 9

func testStates() []*state.State {
	states := make([]*state.State, 3)
	for ii := range states {
		states[ii] = state.New(testShape, 2)
		states[ii].Data[ii] = 1
		states[ii].SetCurrentPlayer(ii % 2)
	}
	return states
}

func uniformPolicy() []float32 {
	p := make([]float32, testNumActions)
	for ii := range p {
		p[ii] = 1.0 / testNumActions
	}
	return p
}

func newTestLearner(t *testing.T, dir string) *Learner {
	params := parameters.NewFromConfigString("fnn_num_hidden_nodes=8,keep=2")
	l, err := New(testShape, testNumActions, dir, params, 42)
	require.NoError(t, err)
	return l
}

func TestQPFNN_Padding(t *testing.T) {
	fnn := NewQPFNN(testShape, testNumActions)
	wantPaddedSizes := []int{1, 2, 3, 5, 5, 8, 8, 8, 12, 12, 12, 12, 18, 18, 18, 18, 18, 18, 27}
	gotPaddedSizes := make([]int, len(wantPaddedSizes))
	for ii := range wantPaddedSizes {
		gotPaddedSizes[ii] = fnn.paddedSize(ii + 1)
	}
	require.Equal(t, wantPaddedSizes, gotPaddedSizes)
	// Default batch size is not padded.
	require.Equal(t, 64, fnn.paddedSize(64))
}

func TestQPFNN_Inputs(t *testing.T) {
	fnn := NewQPFNN(testShape, testNumActions)
	states := testStates()
	inputs := fnn.CreateInputs(states, [][]float32{nil, uniformPolicy()})
	require.Len(t, inputs, numInputs)
	statesT, policiesT, hasPolicyT, numUsedT := inputs[0], inputs[1], inputs[2], inputs[3]
	paddedSize := fnn.paddedSize(len(states))
	require.Equal(t, []int{paddedSize, testShape.Size()}, statesT.Shape().Dimensions)
	require.Equal(t, []int{paddedSize, testNumActions}, policiesT.Shape().Dimensions)
	require.Equal(t, int32(3), tensors.ToScalar[int32](numUsedT))
	require.Equal(t, []float32{0, 1, 0}, tensors.CopyFlatData[float32](hasPolicyT)[:3])
	flatStates := tensors.CopyFlatData[float32](statesT)
	assert.Equal(t, float32(1), flatStates[testShape.Size()+1])
}

func TestQPFNN_PolicyLossGraph(t *testing.T) {
	fnn := NewQPFNN(testShape, testNumActions)
	states := testStates()
	inputs := fnn.CreateInputs(states, nil)
	targets := fnn.CreatePolicyLabels([][]float32{uniformPolicy(), uniformPolicy(), uniformPolicy()})
	inputsAny := generics.SliceMap(append(inputs, targets), func(t *tensors.Tensor) any { return t })
	backend := graphtest.BuildTestBackend()
	outputs := context.ExecOnceN(backend, fnn.Context(), func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		crossEntropy, value := fnn.PolicyLossGraph(ctx, inputs[:numInputs], inputs[numInputs])
		return []*graph.Node{crossEntropy, value}
	}, inputsAny...)
	crossEntropy := tensors.ToScalar[float32](outputs[0])
	value := tensors.ToScalar[float32](outputs[1])
	fmt.Printf("Cross-entropy: %g, value: %g\n", crossEntropy, value)
	// Cross-entropy against the uniform distribution is at least log(9).
	assert.GreaterOrEqual(t, crossEntropy, float32(2.19))
	assert.Greater(t, value, float32(0))
	assert.Less(t, value, float32(4))
}

func TestLearner_Forward(t *testing.T) {
	l := newTestLearner(t, "")
	states := testStates()
	qs, policies := l.Forward(states, nil, 0)
	require.Len(t, qs, len(states))
	require.Len(t, policies, len(states))
	for ii, p := range policies {
		require.Len(t, p, testNumActions)
		var sum float32
		for _, prob := range p {
			require.GreaterOrEqual(t, prob, float32(0))
			sum += prob
		}
		require.InDeltaf(t, 1.0, sum, 1e-4, "policy #%d sums to %g", ii, sum)
		require.Less(t, qs[ii], float32(1))
		require.Greater(t, qs[ii], float32(-1))
	}

	// Giving the model's own policies yields the same Q-values.
	qsGiven, _ := l.Forward(states, policies, 0)
	for ii := range qs {
		assert.InDelta(t, qs[ii], qsGiven[ii], 1e-4)
	}

	// Exploration noise keeps the policies normalized.
	_, noisy := l.Forward(states, nil, 0.5)
	for _, p := range noisy {
		var sum float32
		for _, prob := range p {
			sum += prob
		}
		require.InDelta(t, 1.0, sum, 1e-4)
	}
	qs, policies = l.Forward(nil, nil, 0)
	assert.Empty(t, qs)
	assert.Empty(t, policies)
}

func TestLearner_Learn(t *testing.T) {
	l := newTestLearner(t, "")
	states := testStates()
	policies := [][]float32{uniformPolicy(), uniformPolicy(), uniformPolicy()}
	results := []float32{1, -1, 0}

	// Policy step doesn't change the Q head.
	qsBefore, _ := l.Forward(states, policies, 0)
	targets := [][]float32{
		{1, 0, 0, 0, 0, 0, 0, 0, 0},
		{0, 1, 0, 0, 0, 0, 0, 0, 0},
		{0, 0, 1, 0, 0, 0, 0, 0, 0},
	}
	firstPolicyLoss := l.LearnPolicy(states, targets, 1, 1)
	qsAfter, _ := l.Forward(states, policies, 0)
	for ii := range qsBefore {
		assert.InDelta(t, qsBefore[ii], qsAfter[ii], 1e-6, "Q head must be frozen during the policy step")
	}
	var policyLoss float32
	for range 200 {
		policyLoss = l.LearnPolicy(states, targets, 1, 0)
	}
	assert.Less(t, policyLoss, firstPolicyLoss)

	// Q steps.
	firstQLoss := l.LearnQ(states, policies, results, 1)
	var qLoss float32
	for range 200 {
		qLoss = l.LearnQ(states, policies, results, 1)
	}
	assert.Less(t, qLoss, firstQLoss)
	fmt.Printf("Losses: policy %g -> %g, Q %g -> %g\n", firstPolicyLoss, policyLoss, firstQLoss, qLoss)

	l.ClearOptimizer()
	assert.NotPanics(t, func() { l.LearnQ(states, policies, results, 1) })
}

func TestLearner_CopyWeightsAndSave(t *testing.T) {
	dir := t.TempDir()
	current := newTestLearner(t, dir+"/current")
	best := newTestLearner(t, "")
	states := testStates()
	policies := [][]float32{uniformPolicy(), uniformPolicy(), uniformPolicy()}
	for range 20 {
		current.LearnQ(states, policies, []float32{1, 1, 1}, 1)
	}
	qCurrent, _ := current.Forward(states, policies, 0)
	qBest, _ := best.Forward(states, policies, 0)
	require.NotEqual(t, qCurrent, qBest)

	require.NoError(t, best.CopyWeightsFrom(current))
	qBest, _ = best.Forward(states, policies, 0)
	for ii := range qCurrent {
		assert.InDelta(t, qCurrent[ii], qBest[ii], 1e-6)
	}
	require.NoError(t, best.CopyWeightsFrom(best))

	other, err := New(state.Shape{Channels: 3, Rows: 4, Cols: 4}, 16, "", nil, 1)
	require.NoError(t, err)
	require.Error(t, best.CopyWeightsFrom(other))

	// Save and reload.
	require.NoError(t, current.Save())
	reloaded := newTestLearner(t, dir+"/current")
	qReloaded, _ := reloaded.Forward(states, policies, 0)
	for ii := range qCurrent {
		assert.InDelta(t, qCurrent[ii], qReloaded[ii], 1e-6)
	}
	// Not associated to a checkpoint: no-op.
	require.NoError(t, best.Save())
}
