package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/metaqp/internal/state"
)

const (
	// ModelScope is the context scope holding the weights of the model: variables outside of it
	// (optimizer state, global step) are not copied between models.
	ModelScope = "qp"

	policyScope = "policy"
	qScope      = "q"

	// qScale keeps the Q-value strictly inside (-1, 1).
	qScale = 0.99

	logEpsilon = 1e-7
)

// QPFNN implements a feed-forward QP model on the flattened state: a policy head (softmax over the actions)
// and a Q head that takes the state concatenated with a policy.
type QPFNN struct {
	ctx        *context.Context
	shape      state.Shape
	numActions int
}

// NewQPFNN creates a QPFNN model with a fresh context, initialized with hyperparameters set to their defaults.
func NewQPFNN(shape state.Shape, numActions int) *QPFNN {
	fnn := &QPFNN{ctx: context.New(), shape: shape, numActions: numActions}
	fnn.ctx.RngStateReset()
	fnn.ctx.SetParams(map[string]any{
		"batch_size": 64,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "sigmoid",
		layers.ParamDropoutRate:         0.0,
		regularizers.ParamL2:            1e-5,
		regularizers.ParamL1:            0.0,

		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  64,
		fnnLayer.ParamResidual:        true,
		fnnLayer.ParamNormalization:   "layer",
	})
	fnn.ctx = fnn.ctx.Checked(false)
	return fnn
}

// Context holding the hyperparameters and variables of the model.
func (fnn *QPFNN) Context() *context.Context {
	return fnn.ctx
}

// paddedSize returns a padded batch size for numRows.
// This is important so we don't have too many different versions of the program for every different batch size.
func (fnn *QPFNN) paddedSize(numRows int) int {
	// Make sure the default batchSize is supported without padding.
	defaultBatchSize := context.GetParamOr(fnn.ctx, "batch_size", 64)
	if numRows == defaultBatchSize {
		return numRows
	}
	paddedSize := 1
	for paddedSize < numRows {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// CreateInputs returns the tensors with the flattened states, the policies to evaluate with the Q head,
// a [batch, 1] mask of which rows have a policy given (the others use the model's own policy), and the
// number of used rows (the rest is padding).
func (fnn *QPFNN) CreateInputs(states []*state.State, policies [][]float32) []*tensors.Tensor {
	numRows := len(states)
	paddedSize := fnn.paddedSize(numRows)
	statesT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, fnn.shape.Size()))
	flatStates := state.FlatBatch(states)
	tensors.MutableFlatData(statesT, func(flat []float32) {
		copy(flat, flatStates)
	})
	policiesT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, fnn.numActions))
	hasPolicyT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, 1))
	tensors.MutableFlatData(policiesT, func(flat []float32) {
		tensors.MutableFlatData(hasPolicyT, func(hasPolicy []float32) {
			for row := range min(numRows, len(policies)) {
				if policies[row] == nil {
					continue
				}
				copy(flat[row*fnn.numActions:(row+1)*fnn.numActions], policies[row])
				hasPolicy[row] = 1
			}
		})
	})
	return []*tensors.Tensor{statesT, policiesT, hasPolicyT, tensors.FromScalar(int32(numRows))}
}

// CreatePolicyLabels returns the padded tensor with the target policies.
func (fnn *QPFNN) CreatePolicyLabels(targets [][]float32) *tensors.Tensor {
	targetsT := tensors.FromShape(shapes.Make(dtypes.Float32, fnn.paddedSize(len(targets)), fnn.numActions))
	tensors.MutableFlatData(targetsT, func(flat []float32) {
		for row, target := range targets {
			copy(flat[row*fnn.numActions:(row+1)*fnn.numActions], target)
		}
	})
	return targetsT
}

// CreateQLabels returns the padded [batch, 1] tensor with the Q-value labels.
func (fnn *QPFNN) CreateQLabels(results []float32) *tensors.Tensor {
	labelsT := tensors.FromShape(shapes.Make(dtypes.Float32, fnn.paddedSize(len(results)), 1))
	tensors.MutableFlatData(labelsT, func(flat []float32) {
		copy(flat, results)
	})
	return labelsT
}

// getBatchMask returns a [batch, 1] boolean mask of the used rows.
func (fnn *QPFNN) getBatchMask(inputs []*Node) *Node {
	statesN, numUsed := inputs[0], inputs[3]
	g := statesN.Graph()
	batchSize := statesN.Shape().Dim(0)
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize, 1), 0), numUsed)
}

// PolicyGraph returns the policy probabilities, shaped [batch, numActions].
func (fnn *QPFNN) PolicyGraph(ctx *context.Context, statesN *Node) *Node {
	batchSize := statesN.Shape().Dim(0)
	logits := fnnLayer.New(ctx.In(ModelScope).In(policyScope), statesN, fnn.numActions).Done()
	logits.AssertDims(batchSize, fnn.numActions)
	return Softmax(logits, -1)
}

// QGraph returns the Q-value of playing the states with the given policies, shaped [batch, 1].
func (fnn *QPFNN) QGraph(ctx *context.Context, statesN, policiesN *Node) *Node {
	batchSize := statesN.Shape().Dim(0)
	x := Concatenate([]*Node{statesN, policiesN}, -1)
	logits := fnnLayer.New(ctx.In(ModelScope).In(qScope), x, 1).Done()
	logits.AssertDims(batchSize, 1)
	return MulScalar(Tanh(logits), qScale)
}

// ForwardGraph returns the Q-values and the model's policies. The Q-value of the rows without a given
// policy (see CreateInputs) is calculated with the model's own policy.
func (fnn *QPFNN) ForwardGraph(ctx *context.Context, inputs []*Node) (q, probs *Node) {
	statesN, policiesN, hasPolicyN := inputs[0], inputs[1], inputs[2]
	probs = fnn.PolicyGraph(ctx, statesN)
	qPolicies := Add(Mul(hasPolicyN, policiesN), Mul(OneMinus(hasPolicyN), probs))
	q = fnn.QGraph(ctx, statesN, qPolicies)
	return
}

// QLossGraph is the mean squared error of the Q head on the given policies against the labels.
func (fnn *QPFNN) QLossGraph(ctx *context.Context, inputs []*Node, labels *Node) *Node {
	q := fnn.QGraph(ctx, inputs[0], inputs[1])
	batchMask := fnn.getBatchMask(inputs)
	return losses.MeanSquaredError([]*Node{labels, batchMask}, []*Node{q})
}

// PolicyLossGraph returns the cross-entropy of the policy head against the targets, and the value term
// (Q(s, P(s)) - 1)^2, both averaged over the used rows.
func (fnn *QPFNN) PolicyLossGraph(ctx *context.Context, inputs []*Node, targets *Node) (crossEntropy, value *Node) {
	statesN, numUsed := inputs[0], inputs[3]
	batchSize := statesN.Shape().Dim(0)
	mask := Reshape(ConvertDType(fnn.getBatchMask(inputs), dtypes.Float32), batchSize)
	count := ConvertDType(numUsed, dtypes.Float32)

	probs := fnn.PolicyGraph(ctx, statesN)
	perRow := Neg(ReduceSum(Mul(targets, Log(AddScalar(probs, logEpsilon))), -1))
	crossEntropy = Div(ReduceAllSum(Mul(perRow, mask)), count)

	q := Reshape(fnn.QGraph(ctx, statesN, probs), batchSize)
	value = Div(ReduceAllSum(Mul(Square(AddScalar(q, -1)), mask)), count)
	return
}
