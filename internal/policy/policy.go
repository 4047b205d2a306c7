// Package policy implements the operations on action probability vectors used by the self-play loop:
// legality correction, categorical sampling and exploration noise.
//
// A policy is a []float32 of length game.NumActions(). After correction it sums to 1 over the legal
// actions, or it is all zeros when no legal action has any mass (the "degenerate" case). A degenerate
// policy is never silently replaced by a uniform distribution: sampling from it is an error.
package policy

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/metaqp/internal/games"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
)

// ErrDegeneratePolicy is returned when sampling from a policy with no probability mass.
var ErrDegeneratePolicy = errors.New("degenerate policy: no probability mass on any action")

// Corrector masks policies to the legal actions of a game.
type Corrector struct {
	Game games.Game

	// LegalityChannels is the number of leading channels of the state needed to enumerate the legal actions.
	LegalityChannels int
}

// Correct returns a copy of raw with illegal actions zeroed and the rest renormalized to sum 1.
// If the legal actions have no mass, it returns the all-zero vector.
//
// raw is not modified.
func (c Corrector) Correct(raw []float32, s *state.State) []float32 {
	return Correct(raw, s, c.Game, c.LegalityChannels)
}

// CorrectBatch applies Correct row-wise, pairing raws[i] with states[i].
func (c Corrector) CorrectBatch(raws [][]float32, states []*state.State) ([][]float32, error) {
	if len(raws) != len(states) {
		return nil, errors.Errorf("policy.CorrectBatch: %d policies for %d states", len(raws), len(states))
	}
	corrected := make([][]float32, len(raws))
	for ii, raw := range raws {
		if len(raw) != c.Game.NumActions() {
			return nil, errors.Errorf("policy.CorrectBatch: policy #%d has %d actions, game %s has %d",
				ii, len(raw), c.Game, c.Game.NumActions())
		}
		corrected[ii] = c.Correct(raw, states[ii])
	}
	return corrected, nil
}

// Correct zeros the probabilities of the actions not legal in s and renormalizes.
// See Corrector.Correct.
func Correct(raw []float32, s *state.State, game games.Game, legalityChannels int) []float32 {
	corrected := make([]float32, len(raw))
	var sum float32
	for _, action := range game.LegalActions(s.Leading(legalityChannels)) {
		corrected[action] = raw[action]
		sum += raw[action]
	}
	if sum <= 0 || math32.IsNaN(sum) || math32.IsInf(sum, 0) {
		clear(corrected)
		return corrected
	}
	for ii := range corrected {
		corrected[ii] /= sum
	}
	return corrected
}

// Mass returns the total probability mass of the policy.
func Mass(p []float32) (sum float32) {
	for _, v := range p {
		sum += v
	}
	return
}

// Sample returns an action drawn from the categorical distribution p.
//
// It doesn't require p to be normalized, but it fails with ErrDegeneratePolicy if the total
// mass is not positive (or is NaN).
func Sample(p []float32, rng *rand.Rand) (int, error) {
	sum := Mass(p)
	if !(sum > 0) || math32.IsInf(sum, 0) {
		return -1, errors.Wrapf(ErrDegeneratePolicy, "mass=%g", sum)
	}
	r := rng.Float32() * sum
	last := -1
	for action, prob := range p {
		if prob <= 0 {
			continue
		}
		last = action
		r -= prob
		if r < 0 {
			return action, nil
		}
	}
	// Rounding errors: return the last action with positive probability.
	return last, nil
}

// MixNoise returns (1-fraction)*p + fraction*noise, where noise is drawn from a flat Dirichlet distribution
// (alpha=1) over all actions.
//
// A fraction of 0 returns a copy of p. Noise given to illegal actions is removed later by Correct.
func MixNoise(p []float32, fraction float32, rng *rand.Rand) []float32 {
	mixed := make([]float32, len(p))
	if fraction <= 0 {
		copy(mixed, p)
		return mixed
	}
	// Dirichlet(1,...,1) is a normalized vector of Exponential(1) samples.
	noise := make([]float32, len(p))
	var sum float32
	for ii := range noise {
		noise[ii] = float32(rng.ExpFloat64())
		sum += noise[ii]
	}
	for ii, prob := range p {
		mixed[ii] = (1-fraction)*prob + fraction*noise[ii]/sum
	}
	return mixed
}

