package gomlx

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/generics"
	"github.com/janpfeifer/metaqp/internal/parameters"
	"github.com/janpfeifer/metaqp/internal/policy"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelName used in logs and error messages.
const ModelName = "qpfnn"

// numInputs is the number of input tensors created by QPFNN.CreateInputs.
const numInputs = 4

// Learner wraps a QPFNN model with its executors, optimizer and checkpoint. It implements ai.QPLearner.
type Learner struct {
	model *QPFNN

	// Executors.
	forwardExec, learnQExec, learnPolicyExec *context.Exec

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// muLearning "write" for learning, and "read" for inference.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// muRng protects rng, used for the exploration noise.
	muRng sync.Mutex
	rng   *rand.Rand

	// NumCompilations of computation graphs.
	NumCompilations int

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// Assert Learner is an ai.QPLearner.
var _ ai.QPLearner = (*Learner)(nil)

// New creates a GoMLX QP learner for states of the given shape and numActions.
//
// If checkpointDir is not empty, the model is loaded from it (if it exists) and saved to it. The hyperparameters
// of the model (see NewQPFNN) and "keep" (the number of checkpoints to keep, default 10) are popped from params.
func New(shape state.Shape, numActions int, checkpointDir string, params parameters.Params, seed uint64) (*Learner, error) {
	l := &Learner{
		model: NewQPFNN(shape, numActions),
		rng:   rand.New(rand.NewPCG(seed, seed+1)),
	}
	keep, err := parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}
	if checkpointDir != "" {
		l.checkpoint, err = checkpoints.Build(l.model.Context()).Dir(checkpointDir).Immediate().Keep(keep).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s",
				ModelName, checkpointDir)
		}
	}

	// Create the backend.
	_ = backend()

	// Overwrite hyperparameters from given params.
	if err = extractParams(ModelName, params, l.model.Context()); err != nil {
		return nil, err
	}

	// Create optimizer to be used in training.
	l.optimizer = optimizers.FromContext(l.model.Context())
	err = exceptions.TryCatch[error](l.createExecutors)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model %s", ModelName)
	}
	return l, nil
}

func (l *Learner) createExecutors() {
	muNewClient.Lock()
	defer muNewClient.Unlock()
	ctx := l.model.Context()
	l.forwardExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			l.NumCompilations++
			q, probs := l.model.ForwardGraph(ctx, inputs)
			return []*graph.Node{q, probs}
		})
	l.learnQExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			l.NumCompilations++
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			inputs := inputsAndLabels[:numInputs]
			labels, weight := inputsAndLabels[numInputs], inputsAndLabels[numInputs+1]
			loss := graph.Mul(l.model.QLossGraph(ctx, inputs, labels), weight)
			l.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	l.learnQExec.SetMaxCache(100)
	l.learnPolicyExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			l.NumCompilations++
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			inputs := inputsAndLabels[:numInputs]
			targets := inputsAndLabels[numInputs]
			policyWeight, valueWeight := inputsAndLabels[numInputs+1], inputsAndLabels[numInputs+2]
			crossEntropy, value := l.model.PolicyLossGraph(ctx, inputs, targets)
			loss := graph.Add(graph.Mul(crossEntropy, policyWeight), graph.Mul(value, valueWeight))

			// The Q head only provides the value term: its weights are frozen for the policy update.
			setQTrainable(ctx, false)
			l.optimizer.UpdateGraph(ctx, g, loss)
			setQTrainable(ctx, true)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	l.learnPolicyExec.SetMaxCache(100)

	// Force creating/loading of variables without race conditions first.
	s := state.New(l.model.shape, 0)
	_, _ = l.Forward([]*state.State{s}, nil, 0)
}

// setQTrainable sets whether the variables of the Q head are trainable.
func setQTrainable(ctx *context.Context, trainable bool) {
	ctx.In(ModelScope).In(qScope).EnumerateVariablesInScope(func(v *context.Variable) {
		v.Trainable = trainable
	})
}

// String implements fmt.Stringer and ai.QPModel.
func (l *Learner) String() string {
	if l == nil {
		return "<nil>[GoMLX]"
	}
	gomlxName := fmt.Sprintf("[GoMLX/%s]", backend().Name())
	if l.checkpoint == nil || l.checkpoint.Dir() == "" {
		return fmt.Sprintf("%s%s", ModelName, gomlxName)
	}
	return fmt.Sprintf("%s%s@%s", ModelName, gomlxName, l.checkpoint.Dir())
}

func donate(inputs []*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
}

func (l *Learner) checkStates(states []*state.State) {
	for ii, s := range states {
		if s.Shape != l.model.shape {
			exceptions.Panicf("model %s: state #%d has shape %s, expected %s", l, ii, s.Shape, l.model.shape)
		}
	}
}

// Forward implements ai.QPModel.
func (l *Learner) Forward(states []*state.State, policies [][]float32, percentRandom float32) (qs []float32, outPolicies [][]float32) {
	numRows := len(states)
	if numRows == 0 {
		return
	}
	l.checkStates(states)
	inputs := l.model.CreateInputs(states, policies)
	l.muLearning.RLock()
	outputs := l.forwardExec.Call(donate(inputs)...)
	l.muLearning.RUnlock()

	numActions := l.model.numActions
	qs = tensors.CopyFlatData[float32](outputs[0])[:numRows]
	flatProbs := tensors.CopyFlatData[float32](outputs[1])
	outPolicies = make([][]float32, numRows)
	l.muRng.Lock()
	defer l.muRng.Unlock()
	for row := range outPolicies {
		outPolicies[row] = policy.MixNoise(flatProbs[row*numActions:(row+1)*numActions], percentRandom, l.rng)
	}
	return
}

// LearnQ implements ai.QPLearner. Only the Q head is trained.
func (l *Learner) LearnQ(states []*state.State, policies [][]float32, results []float32, weight float32) (loss float32) {
	if len(states) == 0 {
		return
	}
	l.checkStates(states)
	inputs := l.model.CreateInputs(states, policies)
	inputs = append(inputs, l.model.CreateQLabels(results), tensors.FromScalar(weight))
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	lossT := l.learnQExec.Call(donate(inputs)...)[0]
	return tensors.ToScalar[float32](lossT)
}

// LearnPolicy implements ai.QPLearner. Only the policy head is trained.
func (l *Learner) LearnPolicy(states []*state.State, targets [][]float32, policyWeight, valueWeight float32) (loss float32) {
	if len(states) == 0 {
		return
	}
	l.checkStates(states)
	inputs := l.model.CreateInputs(states, nil)
	inputs = append(inputs, l.model.CreatePolicyLabels(targets),
		tensors.FromScalar(policyWeight), tensors.FromScalar(valueWeight))
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	lossT := l.learnPolicyExec.Call(donate(inputs)...)[0]
	return tensors.ToScalar[float32](lossT)
}

// ClearOptimizer variables and the global step.
func (l *Learner) ClearOptimizer() {
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	ctx := l.model.Context()
	optimizers.DeleteGlobalStep(ctx)
	l.optimizer.Clear(ctx)
}

// CopyWeightsFrom implements ai.QPLearner. src must be a *Learner for the same state shape and number of actions.
//
// Only the model weights are copied: the optimizer state is left as is.
func (l *Learner) CopyWeightsFrom(src ai.QPLearner) error {
	other, ok := src.(*Learner)
	if !ok {
		return errors.Errorf("%s can't copy weights from model %s of type %T", l, src, src)
	}
	if other == l {
		return nil
	}
	if other.model.shape != l.model.shape || other.model.numActions != l.model.numActions {
		return errors.Errorf("%s (shape %s, %d actions) can't copy weights from %s (shape %s, %d actions)",
			l, l.model.shape, l.model.numActions, other, other.model.shape, other.model.numActions)
	}
	other.muLearning.RLock()
	defer other.muLearning.RUnlock()
	l.muLearning.Lock()
	defer l.muLearning.Unlock()

	dstCtx := l.model.Context()
	var err error
	other.model.Context().In(ModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if err != nil {
			return
		}
		if v.Shape().DType != dtypes.Float32 {
			err = errors.Errorf("%s: variable %s/%s has unsupported dtype %s", l, v.Scope(), v.Name(), v.Shape().DType)
			return
		}
		dst := dstCtx.InspectVariable(v.Scope(), v.Name())
		if dst == nil || !dst.Shape().Equal(v.Shape()) {
			err = errors.Errorf("%s: variable %s/%s (shape %s) missing or with a different shape",
				l, v.Scope(), v.Name(), v.Shape())
			return
		}
		values := tensors.CopyFlatData[float32](v.Value())
		dst.SetValue(tensors.FromFlatDataAndDimensions(values, v.Shape().Dimensions...))
	})
	if err == nil {
		klog.V(2).Infof("%s: copied weights from %s", l, other)
	}
	return err
}

// Save the model to its checkpoint.
func (l *Learner) Save() error {
	l.muSave.Lock()
	defer l.muSave.Unlock()
	if l.checkpoint == nil {
		klog.Warningf("This %s model is not associated to a checkpoint directory, not saving", ModelName)
		return nil
	}
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return l.checkpoint.Save()
}
