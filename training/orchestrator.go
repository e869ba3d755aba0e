package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/tsawler/category-trainer/checkpoints"
	"github.com/tsawler/category-trainer/device"
	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/monitor"
	"github.com/tsawler/category-trainer/optimizer"
)

// CheckpointPrefix is the file name stem of run checkpoints.
const CheckpointPrefix = "cate_model"

// Options carries the collaborators of an Orchestrator that are not part of
// Config.
type Options struct {
	Logger   logr.Logger
	Sink     monitor.Sink // nil means monitor.Nop
	Progress io.Writer    // validation progress bar, optional
}

// Result describes a finished run.
type Result struct {
	Epochs         int
	CheckpointPath string
	Written        bool // false when a checkpoint already existed
	History        []EpochRecord
}

// Orchestrator runs the epoch loop: train, validate, adapt the learning
// rate, and finally persist the model once.
type Orchestrator struct {
	config    Config
	logger    logr.Logger
	device    *device.Context
	model     Module
	criterion Loss
	trainer   *EpochTrainer
	validator *Validator
	sink      monitor.Sink
	saver     *checkpoints.CheckpointSaver
	ckptPath  string
	state     *TrainingState
}

// New initialises a run. Configuration problems, an unusable device
// identifier and pretrained-weight failures are reported here, before any
// epoch starts.
func New(cfg Config, model Module, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	sink := opts.Sink
	if sink == nil {
		sink = monitor.Nop{}
	}

	dev, err := device.Parse(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if dev.Fallback {
		logger.Info("accelerator unavailable, using host", "requested", cfg.Device)
	}
	logger.Info("compute context", "device", dev.Describe())

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cfg.UsePretrain {
		if err := loadPretrained(model, dev, cfg.PretrainModel); err != nil {
			return nil, err
		}
		logger.Info("loaded pretrained weights", "path", cfg.PretrainModel)
	}
	for _, p := range model.Parameters() {
		dev.Place(p.Value)
		dev.Place(p.Grad)
	}

	groups, err := optimizer.NewParamGroups(model.Parameters(), map[string]float64{
		layers.GroupFinetune: cfg.LRFinetune,
		layers.GroupFresh:    cfg.LRFresh,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build parameter groups: %w", err)
	}
	opt, err := optimizer.New(cfg.Optimizer, groups, cfg.Momentum, cfg.WeightDecay)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	policy, err := NewLRPolicy(cfg.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	trainer := NewEpochTrainer(logger, dev)
	trainer.MaxGradNorm = cfg.MaxGradNorm
	if cfg.LogInterval > 0 {
		trainer.LogInterval = cfg.LogInterval
	}
	validator := NewValidator(logger, dev)
	validator.Progress = opts.Progress

	return &Orchestrator{
		config:    cfg,
		logger:    logger,
		device:    dev,
		model:     model,
		criterion: NewCrossEntropyLoss(),
		trainer:   trainer,
		validator: validator,
		sink:      sink,
		saver:     checkpoints.NewCheckpointSaver(format),
		ckptPath:  checkpoints.Path(cfg.CheckpointDir, CheckpointPrefix, cfg.LRFinetune, cfg.LRFresh, format),
		state: &TrainingState{
			Optimizer: opt,
			Policy:    policy,
		},
	}, nil
}

func loadPretrained(model Module, dev *device.Context, path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load pretrained model: %w", err)
	}
	sd, err := ckpt.ToStateDict()
	if err != nil {
		return fmt.Errorf("failed to load pretrained model: %w", err)
	}
	for _, t := range sd {
		dev.Place(t)
	}
	if err := model.LoadStateDict(sd); err != nil {
		return fmt.Errorf("failed to load pretrained model %s: %w", path, err)
	}
	return nil
}

// State returns the run state threaded through the epoch loop.
func (o *Orchestrator) State() *TrainingState { return o.state }

// CheckpointPath returns where the final model will be written.
func (o *Orchestrator) CheckpointPath() string { return o.ckptPath }

// Run executes the configured number of epochs and writes the checkpoint.
// A failing epoch aborts the run without writing anything.
func (o *Orchestrator) Run(ctx context.Context, train, valid Loader) (*Result, error) {
	o.logger.Info("start training",
		"epochs", o.config.Epochs,
		"optimizer", o.state.Optimizer.Name(),
		"policy", o.state.Policy.GetName(),
		"trainBatches", train.Len(),
		"validBatches", valid.Len())

	for epoch := o.state.Epoch; epoch < o.config.Epochs; epoch++ {
		if err := o.runEpoch(ctx, epoch, train, valid); err != nil {
			return nil, err
		}
	}
	return o.saveCheckpoint()
}

func (o *Orchestrator) runEpoch(ctx context.Context, epoch int, train, valid Loader) error {
	o.logger.Info("start epoch", "epoch", epoch)
	start := time.Now()
	stepsBefore := o.state.Optimizer.GetStepCount()

	trainSummary, err := o.trainer.Run(ctx, epoch, o.model, train, o.criterion, o.state.Optimizer)
	if err != nil {
		return fmt.Errorf("training epoch %d failed: %w", epoch, err)
	}
	validSummary, err := o.validator.Run(ctx, epoch, o.model, valid, o.criterion)
	if err != nil {
		return fmt.Errorf("validation epoch %d failed: %w", epoch, err)
	}

	reduced := o.state.Policy.Step(epoch, validSummary.Loss, o.state.Optimizer.ParamGroups())
	lrs := optimizer.LearningRates(o.state.Optimizer)
	if reduced {
		o.logger.Info("learning rate reduced",
			"epoch", epoch,
			"lrFinetune", lrs[layers.GroupFinetune],
			"lrFresh", lrs[layers.GroupFresh])
	}

	o.state.Record(EpochRecord{
		Epoch:         epoch,
		TrainLoss:     trainSummary.Loss,
		TrainAccuracy: trainSummary.Accuracy,
		ValidLoss:     validSummary.Loss,
		ValidAccuracy: validSummary.Accuracy,
		LearningRates: lrs,
		LRReduced:     reduced,
		Duration:      time.Since(start),
	}, int(o.state.Optimizer.GetStepCount()-stepsBefore))

	err = o.sink.Log(epoch, map[string]float64{
		monitor.TrainLoss:     trainSummary.Loss,
		monitor.TrainAccuracy: trainSummary.Accuracy,
		monitor.ValidLoss:     validSummary.Loss,
		monitor.ValidAccuracy: validSummary.Accuracy,
		monitor.LRFinetune:    lrs[layers.GroupFinetune],
		monitor.LRFresh:       lrs[layers.GroupFresh],
	})
	if err != nil {
		o.logger.Error(err, "metric sink failed", "epoch", epoch)
	}
	return nil
}

func (o *Orchestrator) saveCheckpoint() (*Result, error) {
	ckpt := &checkpoints.Checkpoint{
		StateDict:     checkpoints.FromStateDict(o.model.StateDict(), groupsByParam(o.model.Parameters())),
		TrainingState: o.state.Snapshot(),
	}
	if st, err := o.state.Optimizer.GetState(); err == nil {
		ckpt.OptimizerState = st
	} else {
		o.logger.Error(err, "optimizer state not saved")
	}

	written, err := o.saver.SaveIfAbsent(ckpt, o.ckptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if written {
		o.logger.Info("save checkpoint", "path", o.ckptPath)
	} else {
		o.logger.Info("checkpoint exists, not overwriting", "path", o.ckptPath)
	}
	return &Result{
		Epochs:         o.state.Epoch,
		CheckpointPath: o.ckptPath,
		Written:        written,
		History:        o.state.History,
	}, nil
}
