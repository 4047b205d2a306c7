// Package config holds the immutable configuration of the self-play and training loop.
//
// A Config is created with Default or FromParams, validated, and then passed by value to the
// constructors that need it.
package config

import (
	"fmt"

	"github.com/janpfeifer/metaqp/internal/parameters"
	"github.com/pkg/errors"
)

// Config of the self-play scheduler, the experience store, the trainer and the promotion policy.
type Config struct {
	// EpisodeBatchSize is the number of concurrent trajectory slots per episode.
	EpisodeBatchSize int

	// NWay is the number of replicas (lines) per task. EpisodeBatchSize must be a multiple of NWay.
	NWay int

	// NumActions is the size of the action set.
	NumActions int

	// Channels, Rows, Cols is the state shape.
	Channels, Rows, Cols int

	// PlayerChannel is the channel holding the current player marker.
	PlayerChannel int

	// LegalityChannels is the number of leading channels that determine the legal actions.
	LegalityChannels int

	// ScoringThreshold is the margin for promoting or reverting the current network.
	ScoringThreshold float32

	// MaxTaskMemories is the capacity of the experience store, in tasks.
	MaxTaskMemories int

	// MinTaskMemories is the minimum number of stored tasks to train.
	MinTaskMemories int

	// TrainingBatchSize is the number of memories per minibatch: TrainingBatchSize/NWay tasks are sampled.
	TrainingBatchSize int

	// TrainingLoops is the number of minibatches per training session.
	TrainingLoops int

	// Epochs over each minibatch.
	Epochs int

	// QUpdatesPer is the number of Q-value steps per epoch, before the policy step.
	QUpdatesPer int

	// PercentRandom is the fraction of exploration noise mixed into the policy when improving the root policies.
	PercentRandom float32

	// Loss weights.
	QLossWeight, PolicyLossWeight, ValueLossWeight float32

	// MaxGameLength is the maximum number of rollout rounds in an episode. 0 means unbounded.
	MaxGameLength int
}

// Default configuration, for the 3x3 tic-tac-toe game.
func Default() Config {
	return Config{
		EpisodeBatchSize:  64,
		NWay:              4,
		NumActions:        9,
		Channels:          3,
		Rows:              3,
		Cols:              3,
		PlayerChannel:     2,
		LegalityChannels:  2,
		ScoringThreshold:  1.3,
		MaxTaskMemories:   4096,
		MinTaskMemories:   32,
		TrainingBatchSize: 128,
		TrainingLoops:     10,
		Epochs:            1,
		QUpdatesPer:       2,
		PercentRandom:     0.2,
		QLossWeight:       10,
		PolicyLossWeight:  5,
		ValueLossWeight:   0,
		MaxGameLength:     100,
	}
}

// FromParams returns the Default configuration overridden by the given params, keyed by the snake_case
// name of the fields (e.g. "episode_batch_size=32,n_way=2").
//
// The known keys are popped from params, so the caller can pass the remaining ones on (e.g. to a model) and
// check that everything was used with parameters.CheckAllUsed.
func FromParams(params parameters.Params) (Config, error) {
	cfg := Default()
	var err error
	popInt := func(key string, field *int) {
		if err != nil {
			return
		}
		*field, err = parameters.PopParamOr(params, key, *field)
	}
	popFloat := func(key string, field *float32) {
		if err != nil {
			return
		}
		*field, err = parameters.PopParamOr(params, key, *field)
	}
	popInt("episode_batch_size", &cfg.EpisodeBatchSize)
	popInt("n_way", &cfg.NWay)
	popInt("num_actions", &cfg.NumActions)
	popInt("channels", &cfg.Channels)
	popInt("rows", &cfg.Rows)
	popInt("cols", &cfg.Cols)
	popInt("player_channel", &cfg.PlayerChannel)
	popInt("legality_channels", &cfg.LegalityChannels)
	popFloat("scoring_threshold", &cfg.ScoringThreshold)
	popInt("max_task_memories", &cfg.MaxTaskMemories)
	popInt("min_task_memories", &cfg.MinTaskMemories)
	popInt("training_batch_size", &cfg.TrainingBatchSize)
	popInt("training_loops", &cfg.TrainingLoops)
	popInt("epochs", &cfg.Epochs)
	popInt("q_updates_per", &cfg.QUpdatesPer)
	popFloat("percent_random", &cfg.PercentRandom)
	popFloat("q_loss_weight", &cfg.QLossWeight)
	popFloat("policy_loss_weight", &cfg.PolicyLossWeight)
	popFloat("value_loss_weight", &cfg.ValueLossWeight)
	popInt("max_game_length", &cfg.MaxGameLength)
	if err != nil {
		return cfg, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration is consistent.
func (cfg Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"episode_batch_size", cfg.EpisodeBatchSize},
		{"n_way", cfg.NWay},
		{"num_actions", cfg.NumActions},
		{"channels", cfg.Channels},
		{"rows", cfg.Rows},
		{"cols", cfg.Cols},
		{"legality_channels", cfg.LegalityChannels},
		{"max_task_memories", cfg.MaxTaskMemories},
		{"training_batch_size", cfg.TrainingBatchSize},
		{"epochs", cfg.Epochs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("configuration %s=%d must be > 0", p.name, p.value)
		}
	}
	switch {
	case cfg.EpisodeBatchSize%cfg.NWay != 0:
		return errors.Errorf("episode_batch_size=%d must be a multiple of n_way=%d", cfg.EpisodeBatchSize, cfg.NWay)
	case cfg.PlayerChannel < 0 || cfg.PlayerChannel >= cfg.Channels:
		return errors.Errorf("player_channel=%d out of range for %d channels", cfg.PlayerChannel, cfg.Channels)
	case cfg.LegalityChannels > cfg.Channels:
		return errors.Errorf("legality_channels=%d > channels=%d", cfg.LegalityChannels, cfg.Channels)
	case cfg.ScoringThreshold < 1:
		return errors.Errorf("scoring_threshold=%g must be >= 1", cfg.ScoringThreshold)
	case cfg.MinTaskMemories < 0 || cfg.MinTaskMemories > cfg.MaxTaskMemories:
		return errors.Errorf("min_task_memories=%d must be in [0, max_task_memories=%d]", cfg.MinTaskMemories, cfg.MaxTaskMemories)
	case cfg.TrainingBatchSize < cfg.NWay:
		return errors.Errorf("training_batch_size=%d must be >= n_way=%d", cfg.TrainingBatchSize, cfg.NWay)
	case cfg.TrainingLoops < 0 || cfg.QUpdatesPer < 0 || cfg.MaxGameLength < 0:
		return errors.Errorf("training_loops=%d, q_updates_per=%d and max_game_length=%d must be >= 0",
			cfg.TrainingLoops, cfg.QUpdatesPer, cfg.MaxGameLength)
	case cfg.PercentRandom < 0 || cfg.PercentRandom > 1:
		return errors.Errorf("percent_random=%g must be in [0, 1]", cfg.PercentRandom)
	}
	return nil
}

// NumTasks per episode.
func (cfg Config) NumTasks() int {
	return cfg.EpisodeBatchSize / cfg.NWay
}

// MinibatchTasks is the number of tasks sampled for each training minibatch.
func (cfg Config) MinibatchTasks() int {
	return cfg.TrainingBatchSize / cfg.NWay
}

// String implements fmt.Stringer.
func (cfg Config) String() string {
	type plain Config // Without the String method.
	return fmt.Sprintf("%+v", plain(cfg))
}
