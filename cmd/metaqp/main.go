// metaqp trains a QP network (a joint policy and Q-value model) for a two-player game by self-play
// between the network being trained ("current") and the best network so far.
//
// Each iteration plays one match, stores the resulting tasks in the experience store, promotes or reverts
// the current network based on the match results, and trains the current network on minibatches sampled
// from the experience store.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/janpfeifer/metaqp/internal/games/tictactoe"
	"github.com/janpfeifer/metaqp/internal/memories"
	"github.com/janpfeifer/metaqp/internal/metrics"
	"github.com/janpfeifer/metaqp/internal/parameters"
	"github.com/janpfeifer/metaqp/internal/trainer"
	"github.com/janpfeifer/metaqp/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagConfig = flag.String("config", "", "Configuration of the self-play and training loop, "+
		"as key=value pairs separated by commas, e.g. \"n_way=4,training_loops=20\". "+
		"Keys prefixed with \"model.\" are passed to the model. It overrides the values from -config_file.")
	flagConfigFile = flag.String("config_file", "", "YAML file with the configuration, see -config. "+
		"The model hyperparameters can be given in a nested \"model\" mapping.")
	flagDir = flag.String("dir", "metaqp_run", "Directory where the models, the experience store and "+
		"the training history are saved. It is created if it doesn't exist.")
	flagNumIterations = flag.Int("num_iterations", 0, "Number of iterations of self-play and then train. "+
		"A value of <= 0 means to train indefinitely, until interrupted.")
	flagSeed      = flag.Uint64("seed", 0, "Seed for the random number generators. If 0, a random seed is used.")
	flagWinLength = flag.Int("win_length", 0, "Number of stones in a line to win the game. "+
		"If 0, it's the size of the board.")
	flagShowTask = flag.Bool("show_task", false, "Print one of the tasks of each match with its improved policy.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

// main orchestrates self-play, promotion and training.
func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Metrics and profiler HTTP server and CPU profile.
	metrics.Setup(globalCtx)
	defer metrics.OnQuit()

	cfg, modelParams := must.M2(loadConfig())
	klog.V(1).Infof("Configuration: %s", cfg)
	must.M(os.MkdirAll(*flagDir, 0o755))
	seed := *flagSeed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))

	game := must.M1(newGame(cfg))
	current, best := must.M2(createModels(cfg, modelParams, seed))
	must.M(parameters.CheckAllUsed(modelParams, *flagModel))

	db := must.M1(memories.OpenDB(filepath.Join(*flagDir, "memories")))
	defer func() {
		if err := db.Close(); err != nil {
			klog.Errorf("Failed to close the experience store: %+v", err)
		}
	}()
	store := must.M1(db.Load(cfg.MaxTaskMemories))
	fmt.Printf("Experience store: %d tasks, %d memories\n", store.Len(), store.NumMemories())

	scheduler := must.M1(episode.NewScheduler(cfg, game, current, best, store, rng))
	tr := trainer.New(cfg, current, rng)
	tr.HistoryPath = filepath.Join(*flagDir, "history.bin")
	tr.History = must.M1(trainer.LoadHistory(tr.HistoryPath))

	loop := &trainingLoop{
		cfg:       cfg,
		game:      game,
		current:   current,
		best:      best,
		scheduler: scheduler,
		trainer:   tr,
		store:     store,
		db:        db,
		rng:       rng,
	}
	for i := 0; *flagNumIterations <= 0 || i < *flagNumIterations; i++ {
		err := loop.iterate(globalCtx, i)
		if globalCtx.Err() != nil {
			// Interrupted.
			return
		}
		if err != nil {
			klog.Fatalf("Iteration %d failed: %+v", i, err)
		}
	}
}

// loadConfig from -config_file and -config, and split out the model hyperparameters.
func loadConfig() (cfg config.Config, modelParams parameters.Params, err error) {
	params := make(parameters.Params)
	if *flagConfigFile != "" {
		params, err = parameters.LoadYAMLFile(*flagConfigFile)
		if err != nil {
			return
		}
	}
	params = parameters.Merge(params, parameters.NewFromConfigString(*flagConfig))
	modelParams = parameters.Sub(params, "model")
	cfg, err = config.FromParams(params)
	if err != nil {
		return
	}
	err = parameters.CheckAllUsed(params, "metaqp configuration")
	return
}

// newGame creates the tic-tac-toe game for the board configured.
func newGame(cfg config.Config) (*tictactoe.Game, error) {
	if cfg.Rows != cfg.Cols {
		return nil, errors.Errorf("tic-tac-toe requires a square board, got rows=%d, cols=%d", cfg.Rows, cfg.Cols)
	}
	game := &tictactoe.Game{Size: cfg.Rows, WinLength: cfg.Rows}
	if *flagWinLength > 0 {
		if *flagWinLength > cfg.Rows {
			return nil, errors.Errorf("-win_length=%d larger than the board size %d", *flagWinLength, cfg.Rows)
		}
		game.WinLength = *flagWinLength
	}
	if cfg.LegalityChannels != tictactoe.LegalityChannels {
		klog.Warningf("legality_channels=%d, but %s only needs the first %d channels to enumerate the legal actions",
			cfg.LegalityChannels, game, tictactoe.LegalityChannels)
	}
	return game, nil
}
