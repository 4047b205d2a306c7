// Package promotion decides, after each self-play match, whether the current network replaces the best
// network, is reverted to it, or is kept training.
package promotion

import (
	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Decision taken after a match.
type Decision int

const (
	// Keep training the current network.
	Keep Decision = iota

	// Promote the current network: the best network becomes a copy of it.
	Promote

	// Revert the current network to a copy of the best network.
	Revert
)

var decisionNames = []string{"Keep", "Promote", "Revert"}

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d < 0 || int(d) >= len(decisionNames) {
		return "Decision(?)"
	}
	return decisionNames[d]
}

// Decide compares the wins of the new (current) network against the best network.
//
// Draws are not counted. The current network is promoted if its wins exceed threshold times the best
// network's wins, and reverted if the best network's wins exceed threshold times its wins.
func Decide(results episode.Results, threshold float32) Decision {
	newWins, bestWins := float32(results.New), float32(results.Best)
	switch {
	case newWins > threshold*bestWins:
		return Promote
	case bestWins > threshold*newWins:
		return Revert
	default:
		return Keep
	}
}

// Apply the decision to the networks.
//
//   - Promote: best gets a copy of current's weights, and both are saved.
//   - Revert: current gets a copy of best's weights, its optimizer state is cleared, and it is saved.
//   - Keep: nothing happens.
func Apply(decision Decision, current, best ai.QPLearner) error {
	switch decision {
	case Promote:
		if err := best.CopyWeightsFrom(current); err != nil {
			return errors.WithMessagef(err, "failed to promote %s", current)
		}
		if err := current.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save promoted %s", current)
		}
		if err := best.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save %s", best)
		}
	case Revert:
		if err := current.CopyWeightsFrom(best); err != nil {
			return errors.WithMessagef(err, "failed to revert %s", current)
		}
		current.ClearOptimizer()
		if err := current.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save reverted %s", current)
		}
	case Keep:
	default:
		return errors.Errorf("unknown promotion decision %d", decision)
	}
	klog.V(1).Infof("Promotion decision: %s", decision)
	return nil
}
