package main

import (
	"flag"
	"maps"
	"os"
	"path/filepath"

	"github.com/janpfeifer/metaqp/internal/ai"
	"github.com/janpfeifer/metaqp/internal/ai/gomlx"
	"github.com/janpfeifer/metaqp/internal/ai/linear"
	"github.com/janpfeifer/metaqp/internal/config"
	"github.com/janpfeifer/metaqp/internal/parameters"
	"github.com/janpfeifer/metaqp/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagModel = flag.String("model", "linear", "Model to train: \"linear\" (pure Go) or \"gomlx\" "+
	"(feed-forward network with GoMLX). The model hyperparameters are given with \"model.\" prefixed keys in -config.")

// createModels creates or loads the current and the best networks, saved under -dir.
//
// If the best network was never saved, it starts as a copy of the current one.
func createModels(cfg config.Config, modelParams parameters.Params, seed uint64) (current, best ai.QPLearner, err error) {
	shape := state.Shape{Channels: cfg.Channels, Rows: cfg.Rows, Cols: cfg.Cols}
	var currentPath, bestPath string
	switch *flagModel {
	case "linear":
		currentPath = filepath.Join(*flagDir, "current.txt")
		bestPath = filepath.Join(*flagDir, "best.txt")
	case "gomlx":
		currentPath = filepath.Join(*flagDir, "current")
		bestPath = filepath.Join(*flagDir, "best")
	default:
		return nil, nil, errors.Errorf("unknown -model=%q, valid values are \"linear\" or \"gomlx\"", *flagModel)
	}
	_, statErr := os.Stat(bestPath)
	bestExists := statErr == nil

	switch *flagModel {
	case "linear":
		current, best, err = createLinearModels(shape, cfg.NumActions, currentPath, bestPath, modelParams, seed)
	case "gomlx":
		// Both models take the same hyperparameters.
		bestParams := maps.Clone(modelParams)
		current, err = gomlx.New(shape, cfg.NumActions, currentPath, modelParams, seed)
		if err != nil {
			return nil, nil, err
		}
		best, err = gomlx.New(shape, cfg.NumActions, bestPath, bestParams, seed+1)
	}
	if err != nil {
		return nil, nil, err
	}

	if !bestExists {
		klog.Infof("No best model saved in %s, starting it as a copy of %s", bestPath, current)
		if err = best.CopyWeightsFrom(current); err != nil {
			return nil, nil, err
		}
		if err = best.Save(); err != nil {
			return nil, nil, err
		}
	}
	klog.Infof("Models: current=%s, best=%s", current, best)
	return current, best, nil
}

func createLinearModels(shape state.Shape, numActions int, currentPath, bestPath string,
	params parameters.Params, seed uint64) (current, best *linear.Model, err error) {
	current, err = linear.LoadOrCreate(currentPath, shape, numActions, seed)
	if err != nil {
		return
	}
	best, err = linear.LoadOrCreate(bestPath, shape, numActions, seed+1)
	if err != nil {
		return
	}
	for _, m := range []*linear.Model{current, best} {
		m.LearningRate, err = parameters.GetParamOr(params, "learning_rate", m.LearningRate)
		if err != nil {
			return
		}
		m.L2Reg, err = parameters.GetParamOr(params, "l2_reg", m.L2Reg)
		if err != nil {
			return
		}
		m.Momentum, err = parameters.GetParamOr(params, "momentum", m.Momentum)
		if err != nil {
			return
		}
	}
	delete(params, "learning_rate")
	delete(params, "l2_reg")
	delete(params, "momentum")
	return
}
