package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/tsawler/category-trainer/device"
	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/optimizer"
)

// DefaultLogInterval is the batch cadence of training progress logs.
const DefaultLogInterval = 20

// EpochSummary holds the aggregated metrics of one pass over a dataset.
type EpochSummary struct {
	Epoch         int
	Loss          float64
	Accuracy      float64
	MacroF1       float64 // validation only
	Samples       int
	Batches       int
	Duration      time.Duration
	LearningRates map[string]float64 // training only, read at epoch start
}

// EpochTrainer drives TrainStep over a full pass of the training set.
type EpochTrainer struct {
	Logger      logr.Logger
	Device      *device.Context
	LogInterval int
	MaxGradNorm float64
}

// NewEpochTrainer creates an epoch trainer with the default log cadence and
// gradient-norm ceiling.
func NewEpochTrainer(logger logr.Logger, dev *device.Context) *EpochTrainer {
	return &EpochTrainer{
		Logger:      logger,
		Device:      dev,
		LogInterval: DefaultLogInterval,
		MaxGradNorm: optimizer.DefaultMaxGradNorm,
	}
}

// Run trains model for one epoch. Any batch failure aborts the epoch.
func (et *EpochTrainer) Run(ctx context.Context, epoch int, model Module, loader Loader, criterion Loss, opt optimizer.Optimizer) (EpochSummary, error) {
	model.Train()
	// loss is the mean over batches, accuracy the mean over samples
	var lossMeter, accMeter AverageMeter
	lrs := optimizer.LearningRates(opt)
	interval := et.LogInterval
	if interval <= 0 {
		interval = DefaultLogInterval
	}

	loader.Reset()
	n := loader.Len()
	start := time.Now()
	step := 0
	for {
		if err := ctx.Err(); err != nil {
			return EpochSummary{}, err
		}
		batchStart := time.Now()
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EpochSummary{}, fmt.Errorf("epoch %d batch %d: loading failed: %w", epoch, step, err)
		}

		res, err := TrainStep(et.Device, model, batch, criterion, opt, et.MaxGradNorm)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("epoch %d batch %d: %w", epoch, step, err)
		}
		lossMeter.Update(res.Loss, 1)
		accMeter.Update(float64(res.Correct)/float64(res.Samples), res.Samples)

		if (step+1)%interval == 0 || step == n-1 {
			et.Logger.Info("train progress",
				"epoch", epoch,
				"step", step,
				"batches", n,
				"batchTime", time.Since(batchStart).Seconds(),
				"loss", res.Loss,
				"gradNorm", res.GradNorm)
		}
		step++
	}

	summary := EpochSummary{
		Epoch:         epoch,
		Loss:          lossMeter.Avg,
		Accuracy:      accMeter.Avg,
		Samples:       accMeter.Count,
		Batches:       step,
		Duration:      time.Since(start),
		LearningRates: lrs,
	}
	et.Logger.Info("train epoch",
		"epoch", epoch,
		"lrFinetune", lrs[layers.GroupFinetune],
		"lrFresh", lrs[layers.GroupFresh],
		"time", summary.Duration.Seconds(),
		"loss", summary.Loss,
		"accuracy", summary.Accuracy)
	return summary, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
