package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/janpfeifer/metaqp/internal/games/tictactoe"
	"github.com/janpfeifer/metaqp/internal/memories"
	"github.com/janpfeifer/metaqp/internal/metrics"
	"github.com/janpfeifer/metaqp/internal/promotion"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/janpfeifer/metaqp/internal/trainer"
	"github.com/janpfeifer/metaqp/internal/ui/cli"
	"github.com/janpfeifer/metaqp/internal/ui/spinning"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// trainingLoop holds everything an iteration needs.
type trainingLoop struct {
	cfg           config.Config
	game          *tictactoe.Game
	current, best ai.QPLearner
	scheduler     *episode.Scheduler
	trainer       *trainer.Trainer
	store         *memories.Store
	db            *memories.DB
	rng           *rand.Rand
}

// iterate plays one match, persists the experience store, applies the promotion decision and trains.
func (l *trainingLoop) iterate(ctx context.Context, iteration int) error {
	fmt.Printf("\nIteration: %d\n", iteration)
	results, err := l.playMatch(ctx)
	if err != nil {
		return err
	}
	metrics.RecordMatch(results.New, results.Best, results.Draw)
	if *flagShowTask {
		l.showTask()
	}

	// Saving the experience store and the models (on promotion) are independent.
	decision := promotion.Decide(results, l.cfg.ScoringThreshold)
	metrics.RecordDecision(decision.String())
	var g errgroup.Group
	g.Go(func() error { return l.db.Save(l.store) })
	g.Go(func() error { return promotion.Apply(decision, l.current, l.best) })
	if err = g.Wait(); err != nil {
		return err
	}
	metrics.RecordStore(l.store.Len(), l.store.NumMemories(), l.store.Evicted)

	summary := cli.IterationSummary{
		Iteration: iteration,
		NewWins:   results.New,
		BestWins:  results.Best,
		Draw:      results.Draw,
		Decision:  decision.String(),
		Tasks:     l.store.Len(),
		Memories:  l.store.NumMemories(),
	}
	summary.Trained, err = l.train(ctx)
	if err != nil {
		return err
	}
	if history := l.trainer.History; summary.Trained && history.Len() > 0 {
		summary.QLoss = history.QLoss[history.Len()-1]
		summary.PolicyLoss = history.PLoss[history.Len()-1]
	}
	cli.PrintIteration(summary)
	return nil
}

// playMatch runs the episodes of one match from the initial position, with a spinning status line.
func (l *trainingLoop) playMatch(ctx context.Context) (episode.Results, error) {
	start := time.Now()
	match, err := l.scheduler.NewMatch([]*state.State{l.game.InitialState(0)})
	if err != nil {
		return episode.Results{}, err
	}
	spinner := spinning.New(ctx, "Self-play: starting")
	defer spinner.Done()
	for !match.Done() {
		if err = l.scheduler.RunEpisode(ctx, match); err != nil {
			return match.Results, errors.WithMessagef(err, "self-play failed at episode %d", match.Episodes()+1)
		}
		spinner.Update("Self-play: episode %d, %d of %d games finished (%s), %d/%d tasks stored, elapsed %s",
			match.Episodes(), match.NumDone(), l.cfg.EpisodeBatchSize, match.Results, l.store.Len(),
			l.store.MaxTasks(), time.Since(start).Round(time.Second))
	}
	klog.V(1).Infof("Match finished in %d episodes and %s, %d games: %s", match.Episodes(), time.Since(start),
		match.Results.Total(), match.Results)
	return match.Results, nil
}

// train the current network, if there is enough experience.
func (l *trainingLoop) train(ctx context.Context) (trained bool, err error) {
	start := time.Now()
	l.trainer.Progress = func(step int, qLoss, pLoss float32) {
		metrics.RecordTrainingStep(qLoss, pLoss)
		fmt.Printf("\r\tTraining: %d of %d steps, ~q_loss=%.3f, ~p_loss=%.3f, elapsed=%s\x1b[0K",
			step, l.cfg.TrainingLoops, qLoss, pLoss, time.Since(start).Round(time.Millisecond))
	}
	err = l.trainer.Train(ctx, l.store)
	fmt.Println()
	if errors.Is(err, trainer.ErrInsufficientExperience) {
		klog.Infof("Training skipped: %v", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// showTask prints a random task from the experience store: its board and improved policy.
func (l *trainingLoop) showTask() {
	if l.store.Len() == 0 {
		return
	}
	task := l.store.Tasks()[l.rng.IntN(l.store.Len())]
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Task %s, %d memories:\n", task.ID, len(task.Memories)))
	sb.WriteString(l.game.Render(task.State))
	size := l.game.Size
	for row := range size {
		for col := range size {
			sb.WriteString(fmt.Sprintf(" %4.2f", task.ImprovedPolicy[row*size+col]))
		}
		sb.WriteString("\n")
	}
	cli.PrintCentered(sb.String())
}
