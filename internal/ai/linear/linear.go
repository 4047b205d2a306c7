// Package linear implements a pure Go linear QP model that can be used to play as well as
// training -- it defines its own gradients for that, and uses a simple SGD with momentum.
//
// The policy head is a softmax over a linear function of the state, and the Q head is
// tanh(w * [state; policy] + b).
package linear

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/policy"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a linear QP model. It implements ai.QPLearner.
//
// All weights are stored in one flat slice, in the order: policy weights (NumActions x StateSize),
// policy biases (NumActions), Q weights (StateSize + NumActions) and Q bias (1).
type Model struct {
	shape      state.Shape
	numActions int
	weights    []float32
	velocity   []float32

	// LearningRate to use when training the linear model and L2Reg to use.
	LearningRate, L2Reg float32

	// GradientL2Clip clips the gradient to this l2 length before applying.
	GradientL2Clip float32

	// Momentum of the SGD: 0 is plain SGD.
	Momentum float32

	// muLearning serializes training and inference, and protects rng.
	muLearning sync.Mutex
	rng        *rand.Rand

	// FileName where to save/load the model from.
	FileName string
	muSave   sync.Mutex
}

// Assert Model is an ai.QPLearner.
var _ ai.QPLearner = (*Model)(nil)

// NumWeights returns the number of weights of a linear model for the given state shape and number of actions.
func NumWeights(shape state.Shape, numActions int) int {
	stateSize := shape.Size()
	return numActions*stateSize + numActions + stateSize + numActions + 1
}

// New creates a zero-initialized model: uniform policy and Q=0 everywhere.
// seed is used for the exploration noise.
func New(shape state.Shape, numActions int, seed uint64) *Model {
	return NewWithWeights(shape, numActions, seed, make([]float32, NumWeights(shape, numActions)))
}

// NewWithWeights creates a new Model with the given weights.
// Ownership of the weights is transferred.
func NewWithWeights(shape state.Shape, numActions int, seed uint64, weights []float32) *Model {
	if len(weights) != NumWeights(shape, numActions) {
		klog.Fatalf("linear.NewWithWeights: got %d weights, a model for shape %s and %d actions requires %d",
			len(weights), shape, numActions, NumWeights(shape, numActions))
	}
	return &Model{
		shape:          shape,
		numActions:     numActions,
		weights:        weights,
		velocity:       make([]float32, len(weights)),
		LearningRate:   0.01,
		L2Reg:          1e-4,
		GradientL2Clip: 10.0,
		Momentum:       0.9,
		rng:            rand.New(rand.NewPCG(seed, 0x5eed)),
	}
}

// String implements ai.QPModel.
func (m *Model) String() string {
	if m.FileName == "" {
		return "linear"
	}
	return fmt.Sprintf("linear(%s)", m.FileName)
}

func (m *Model) stateSize() int { return m.shape.Size() }

// Index ranges of the parameters in m.weights.
func (m *Model) policyBiasStart() int { return m.numActions * m.stateSize() }
func (m *Model) qStart() int          { return m.policyBiasStart() + m.numActions }
func (m *Model) qBiasIdx() int        { return len(m.weights) - 1 }

func (m *Model) checkState(s *state.State) []float32 {
	if s.Shape != m.shape {
		klog.Fatalf("%s: state shape %s, model expects %s", m, s.Shape, m.shape)
	}
	return s.Data
}

// policyProbs returns the softmax of the policy head for input x.
func (m *Model) policyProbs(x []float32) []float32 {
	stateSize := m.stateSize()
	logits := make([]float32, m.numActions)
	biasStart := m.policyBiasStart()
	for k := range logits {
		sum := m.weights[biasStart+k]
		row := m.weights[k*stateSize : (k+1)*stateSize]
		for ii, x_i := range x {
			sum += row[ii] * x_i
		}
		logits[k] = sum
	}
	return ai.Softmax(logits)
}

// qValue returns tanh(wq * [x; p] + bq).
func (m *Model) qValue(x, p []float32) float32 {
	if len(p) != m.numActions {
		klog.Fatalf("%s: policy with %d actions, model expects %d", m, len(p), m.numActions)
	}
	qStart := m.qStart()
	sum := m.weights[m.qBiasIdx()]
	for ii, x_i := range x {
		sum += m.weights[qStart+ii] * x_i
	}
	pStart := qStart + m.stateSize()
	for ii, p_i := range p {
		sum += m.weights[pStart+ii] * p_i
	}
	return ai.SquashScore(sum)
}

// Forward implements ai.QPModel.
func (m *Model) Forward(states []*state.State, policies [][]float32, percentRandom float32) (qs []float32, outPolicies [][]float32) {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()

	qs = make([]float32, len(states))
	outPolicies = make([][]float32, len(states))
	for ii, s := range states {
		x := m.checkState(s)
		probs := m.policyProbs(x)
		qInput := probs
		if ii < len(policies) && policies[ii] != nil {
			qInput = policies[ii]
		}
		qs[ii] = m.qValue(x, qInput)
		outPolicies[ii] = policy.MixNoise(probs, percentRandom, m.rng)
	}
	return
}

// LearnQ implements ai.QPLearner. Only the Q head is trained.
func (m *Model) LearnQ(states []*state.State, policies [][]float32, results []float32, weight float32) (loss float32) {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	if len(states) == 0 {
		return 0
	}
	grad := make([]float32, len(m.weights))
	loss = m.qLossAndGradient(states, policies, results, weight, grad)
	m.applyGradient(grad)
	return
}

// qLossAndGradient of the weighted MSE (MeanSquaredError) loss of the Q head:
//
//	  x, p: input state and policy
//	  q: tanh(wq*[x;p]+bq)
//	Loss = weight * (q - result)^2/N
//	  dLoss/dwq_i = weight * 2*(q-result)*(1-q^2)*[x;p]_i/N
//	  dLoss/dbq = weight * 2*(q-result)*(1-q^2)/N
func (m *Model) qLossAndGradient(states []*state.State, policies [][]float32, results []float32, weight float32, grad []float32) (loss float32) {
	clear(grad)
	N := float32(len(states))
	qStart := m.qStart()
	pStart := qStart + m.stateSize()
	for exampleIdx, s := range states {
		x := m.checkState(s)
		var p []float32
		if exampleIdx < len(policies) {
			p = policies[exampleIdx]
		}
		if p == nil {
			p = m.policyProbs(x)
		}
		q := m.qValue(x, p)
		diff := q - results[exampleIdx]
		loss += weight * diff * diff / N
		c := weight * 2 * diff * (1 - q*q) / N
		for ii, x_i := range x {
			grad[qStart+ii] += c * x_i
		}
		for ii, p_i := range p {
			grad[pStart+ii] += c * p_i
		}
		grad[m.qBiasIdx()] += c
	}
	loss += m.addL2(grad, qStart, len(m.weights))
	return
}

// LearnPolicy implements ai.QPLearner. Only the policy head is trained: the value term pushes the
// policy towards higher Q-values, with the Q head fixed.
func (m *Model) LearnPolicy(states []*state.State, targets [][]float32, policyWeight, valueWeight float32) (loss float32) {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	if len(states) == 0 {
		return 0
	}
	grad := make([]float32, len(m.weights))
	loss = m.policyLossAndGradient(states, targets, policyWeight, valueWeight, grad)
	m.applyGradient(grad)
	return
}

// policyLossAndGradient of the policy loss:
//
//	  z: logits Wp*x+bp, p = softmax(z), t: target policy
//	  q: tanh(wq*[x;p]+bq), wp_k: Q weight of p_k
//	Loss = policyWeight * CrossEntropy(t, p)/N + valueWeight * (q-1)^2/N
//	  dCE/dz_k = p_k*sum(t) - t_k
//	  d(q-1)^2/dz_k = 2*(q-1)*(1-q^2) * p_k*(wp_k - sum_j(wp_j*p_j))
//	  dLoss/dWp_ki = dLoss/dz_k * x_i and dLoss/dbp_k = dLoss/dz_k
func (m *Model) policyLossAndGradient(states []*state.State, targets [][]float32, policyWeight, valueWeight float32, grad []float32) (loss float32) {
	clear(grad)
	N := float32(len(states))
	stateSize := m.stateSize()
	biasStart := m.policyBiasStart()
	pStart := m.qStart() + stateSize
	dz := make([]float32, m.numActions)
	for exampleIdx, s := range states {
		x := m.checkState(s)
		t := targets[exampleIdx]
		p := m.policyProbs(x)
		loss += policyWeight * ai.CrossEntropy(t, p) / N
		sumT := policy.Mass(t)
		for k := range dz {
			dz[k] = policyWeight * (p[k]*sumT - t[k]) / N
		}
		if valueWeight != 0 {
			q := m.qValue(x, p)
			loss += valueWeight * (q - 1) * (q - 1) / N
			g := valueWeight * 2 * (q - 1) * (1 - q*q) / N
			var meanWp float32
			for j, p_j := range p {
				meanWp += m.weights[pStart+j] * p_j
			}
			for k, p_k := range p {
				dz[k] += g * p_k * (m.weights[pStart+k] - meanWp)
			}
		}
		for k, dz_k := range dz {
			row := grad[k*stateSize : (k+1)*stateSize]
			for ii, x_i := range x {
				row[ii] += dz_k * x_i
			}
			grad[biasStart+k] += dz_k
		}
	}
	loss += m.addL2(grad, 0, m.qStart())
	return
}

// addL2 adds the L2 regularization gradient of the weights in [from, to) and returns its loss.
func (m *Model) addL2(grad []float32, from, to int) (loss float32) {
	if m.L2Reg == 0 {
		return 0
	}
	for ii := from; ii < to; ii++ {
		w := m.weights[ii]
		loss += m.L2Reg * w * w
		grad[ii] += 2 * m.L2Reg * w
	}
	return
}

// applyGradient with momentum, after clipping.
func (m *Model) applyGradient(grad []float32) {
	if m.GradientL2Clip > 0 {
		clipL2(grad, m.GradientL2Clip)
	}
	for ii, g := range grad {
		m.velocity[ii] = m.Momentum*m.velocity[ii] + g
		m.weights[ii] -= m.LearningRate * m.velocity[ii]
	}
}

// ClearOptimizer implements ai.QPLearner: it resets the momentum.
func (m *Model) ClearOptimizer() {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	clear(m.velocity)
}

// CopyWeightsFrom implements ai.QPLearner. src must be a linear *Model with the same dimensions.
func (m *Model) CopyWeightsFrom(src ai.QPLearner) error {
	other, ok := src.(*Model)
	if !ok {
		return errors.Errorf("%s can't copy weights from model %s of type %T", m, src, src)
	}
	if other == m {
		return nil
	}
	if other.shape != m.shape || other.numActions != m.numActions {
		return errors.Errorf("%s (shape %s, %d actions) can't copy weights from %s (shape %s, %d actions)",
			m, m.shape, m.numActions, other, other.shape, other.numActions)
	}
	other.muLearning.Lock()
	weights := append([]float32(nil), other.weights...)
	other.muLearning.Unlock()

	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	copy(m.weights, weights)
	return nil
}

func l2Len(vec []float32) float32 {
	total := float32(0.0)
	for _, value := range vec {
		total += value * value
	}
	return float32(math.Sqrt(float64(total)))
}

// clipL2 clips the L2 length of the vector.
func clipL2(vec []float32, maxLen float32) {
	l2 := l2Len(vec)
	if l2 > maxLen {
		ratio := maxLen / l2
		klog.V(3).Infof("\tclip: l2=%g, maxLen=%g, ratio=%g", l2, maxLen, ratio)
		for ii := range vec {
			vec[ii] *= ratio
		}
	}
}

// Save model to m.FileName.
func (m *Model) Save() error {
	m.muSave.Lock()
	defer m.muSave.Unlock()

	if m.FileName == "" {
		klog.Errorf("Linear model not saved, because no file name was specified")
		return nil
	}

	// Rename existing file, if it exists.
	file := m.FileName
	if _, err := os.Stat(file); err == nil {
		err = os.Rename(file, file+"~")
		if err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", m.FileName, m.FileName+"~")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", m.FileName)
	}

	m.muLearning.Lock()
	valuesStr := make([]string, 0, len(m.weights)+1)
	valuesStr = append(valuesStr, fmt.Sprintf("# linear QP model: shape=%s, actions=%d", m.shape, m.numActions))
	for _, value := range m.weights {
		valuesStr = append(valuesStr, fmt.Sprintf("%g", value))
	}
	m.muLearning.Unlock()
	allValues := strings.Join(valuesStr, "\n")

	err := os.WriteFile(m.FileName, []byte(allValues), 0666)
	if err != nil {
		return errors.Wrapf(err, "failed to save %s", m.FileName)
	}
	return nil
}

// LoadOrCreate model from fileName or create a new zero-initialized one if the file doesn't exist.
// The returned model saves to fileName.
func LoadOrCreate(fileName string, shape state.Shape, numActions int, seed uint64) (*Model, error) {
	_, err := os.Stat(fileName)
	if os.IsNotExist(err) {
		m := New(shape, numActions, seed)
		m.FileName = fileName
		klog.V(1).Infof("New model created for %s has %d weights", fileName, len(m.weights))
		return m, nil
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadOrCreate failed to read file %s", fileName)
	}
	valuesStr := strings.Split(string(data), "\n")
	weights := make([]float32, 0, len(valuesStr))
	for lineNum, valueStr := range valuesStr {
		valueStr = strings.TrimSpace(valueStr)
		if valueStr == "" || strings.HasPrefix(valueStr, "#") || strings.HasPrefix(valueStr, "//") {
			// Skip empty lines and comments.
			continue
		}
		f64, err := strconv.ParseFloat(valueStr, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "LoadOrCreate failed to parse value in file %s, at line number #%d",
				fileName, lineNum+1)
		}
		weights = append(weights, float32(f64))
	}
	if len(weights) != NumWeights(shape, numActions) {
		return nil, errors.Errorf("LoadOrCreate: file %s has %d weights, a model for shape %s and %d actions requires %d",
			fileName, len(weights), shape, numActions, NumWeights(shape, numActions))
	}
	m := NewWithWeights(shape, numActions, seed, weights)
	m.FileName = fileName
	return m, nil
}
