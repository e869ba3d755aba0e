// Command train-category fine-tunes an image classifier on a labelled
// category dataset and writes one checkpoint per learning-rate pair.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/tsawler/category-trainer/device"
	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/monitor"
	"github.com/tsawler/category-trainer/training"
	"github.com/tsawler/category-trainer/vision/dataloader"
	"github.com/tsawler/category-trainer/vision/dataset"
	"github.com/tsawler/category-trainer/vision/transform"
)

var (
	flagConfig   = flag.String("config", "", "JSON config file. Flags given on the command line override it.")
	flagCache    = flag.Int("cache", 1024, "Number of decoded images kept in memory.")
	flagProgress = flag.Bool("progress", false, "Draw a progress bar during validation.")
)

func main() {
	cfg := training.DefaultConfig()
	bindFlags(&cfg)
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := applyConfigFile(&cfg, *flagConfig); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
	if err := run(cfg, klog.Background()); err != nil {
		klog.Flush()
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func bindFlags(cfg *training.Config) {
	flag.IntVar(&cfg.BatchSize, "batchsize", cfg.BatchSize, "Samples per batch.")
	flag.IntVar(&cfg.Epochs, "train_epoch", cfg.Epochs, "Number of epochs to train.")
	flag.IntVar(&cfg.Height, "height", cfg.Height, "Input image height.")
	flag.IntVar(&cfg.Width, "width", cfg.Width, "Input image width.")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Parallel image loads per batch; 0 uses the physical core count.")
	flag.Float64Var(&cfg.LRFinetune, "lr_ft", cfg.LRFinetune, "Learning rate of the pretrained backbone.")
	flag.Float64Var(&cfg.LRFresh, "lr_new", cfg.LRFresh, "Learning rate of the freshly initialised head.")
	flag.Float64Var(&cfg.Momentum, "momentum", cfg.Momentum, "SGD momentum.")
	flag.Float64Var(&cfg.WeightDecay, "weight_decay", cfg.WeightDecay, "L2 weight decay.")
	flag.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "Optimizer: adam or sgd.")
	flag.StringVar(&cfg.Scheduler.Name, "lr_policy", cfg.Scheduler.Name, "Learning rate policy: plateau, step, exponential, cosine or constant.")
	flag.StringVar(&cfg.TrainSplit, "train_split", cfg.TrainSplit, "Training split: train or trainval.")
	flag.StringVar(&cfg.ValidSplit, "valid_split", cfg.ValidSplit, "Validation split: test or valid.")
	flag.StringVar(&cfg.DataFormat, "data_format", cfg.DataFormat, "Dataset layout: csv or folder.")
	flag.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "Dataset root.")
	flag.StringVar(&cfg.ImageDir, "image_dir", cfg.ImageDir, "Directory the CSV image paths are relative to.")
	flag.StringVar(&cfg.LabelColumn, "label_column", cfg.LabelColumn, "CSV column holding the class index.")
	flag.IntVar(&cfg.AugmentCopies, "augment_copies", cfg.AugmentCopies, "Augmented copies of the training set per epoch.")
	flag.IntVar(&cfg.NumClasses, "num_classes", cfg.NumClasses, "Number of classes; 0 infers it from the training labels.")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for shuffling and augmentation.")
	flag.StringVar(&cfg.Device, "device", cfg.Device, "Compute device: cpu, cuda, cuda:N or an ordinal.")
	flag.BoolVar(&cfg.UsePretrain, "use_pretrain", cfg.UsePretrain, "Initialise from -pretrain_model.")
	flag.StringVar(&cfg.PretrainModel, "pretrain_model", cfg.PretrainModel, "Pretrained weights (.json or .onnx).")
	flag.StringVar(&cfg.CheckpointDir, "checkpoint", cfg.CheckpointDir, "Directory the final checkpoint is written to.")
	flag.StringVar(&cfg.CheckpointFormat, "checkpoint_format", cfg.CheckpointFormat, "Checkpoint format: json or onnx.")
	flag.BoolVar(&cfg.Log, "log", cfg.Log, "Record per-epoch metrics.")
	flag.StringVar(&cfg.MetricsDB, "metrics_db", cfg.MetricsDB, "SQLite metrics database; defaults to metrics.db in the checkpoint directory.")
	flag.StringVar(&cfg.PlotDir, "plot_dir", cfg.PlotDir, "Directory for SVG training curves.")
	flag.StringVar(&cfg.Dashboard, "dashboard", cfg.Dashboard, "Listen address of the live metrics dashboard, e.g. :8090.")
	flag.StringVar(&cfg.Collector, "collector", cfg.Collector, "Base URL of a remote metrics collector.")
}

// applyConfigFile replaces cfg with the file at path and then re-applies the
// flags that were set explicitly.
func applyConfigFile(cfg *training.Config, path string) error {
	if path == "" {
		return nil
	}
	explicit := make(map[string]string)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	fileCfg, err := training.LoadConfig(path)
	if err != nil {
		return err
	}
	*cfg = fileCfg
	for name, value := range explicit {
		if err := flag.Set(name, value); err != nil {
			return fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	return nil
}

func run(cfg training.Config, logger logr.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Workers == 0 {
		cfg.Workers = device.DefaultWorkers()
	}
	images := dataset.NewImageLoader(dataset.NewImageCache(*flagCache))
	trainSet, validSet, numClasses, err := buildDatasets(cfg, images)
	if err != nil {
		return err
	}
	logger.Info("datasets ready",
		"format", cfg.DataFormat,
		"train", trainSet.Len(),
		"valid", validSet.Len(),
		"classes", numClasses,
		"augmentCopies", cfg.AugmentCopies)

	trainLoader, err := dataloader.NewDataLoader(trainSet, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		Seed:       cfg.Seed,
		NumWorkers: cfg.Workers,
		Prefetch:   2,
	})
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	validLoader, err := dataloader.NewDataLoader(validSet, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.Workers,
		Prefetch:   2,
	})
	if err != nil {
		return err
	}
	defer validLoader.Close()

	modelCfg := layers.DefaultModelConfig(numClasses)
	modelCfg.Seed = cfg.Seed
	model, err := layers.NewCategoryModel(modelCfg)
	if err != nil {
		return err
	}
	logger.V(1).Info("model", "summary", model.Summary())

	sink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error(err, "closing metric sinks")
		}
	}()

	opts := training.Options{Logger: logger, Sink: sink}
	if *flagProgress {
		opts.Progress = os.Stderr
	}
	orch, err := training.New(cfg, model, opts)
	if err != nil {
		return err
	}
	res, err := orch.Run(ctx, trainLoader, validLoader)
	if err != nil {
		return err
	}
	logger.Info("training finished",
		"epochs", res.Epochs,
		"checkpoint", res.CheckpointPath,
		"written", res.Written,
		"imageCache", images.Cache().Stats().String())
	return nil
}

// buildDatasets returns the augmented training set, the validation set and
// the class count the model must produce.
func buildDatasets(cfg training.Config, images *dataset.ImageLoader) (dataset.Dataset, dataset.Dataset, int, error) {
	trainPipe := transform.TrainPipeline(cfg.Height, cfg.Width, transform.NewRand(cfg.Seed))
	validPipe := transform.ValidPipeline(cfg.Height, cfg.Width)

	var (
		train, valid               dataset.Dataset
		trainClasses, validClasses int
	)
	switch cfg.DataFormat {
	case "folder":
		tr, err := dataset.NewImageFolderDataset(filepath.Join(cfg.DataDir, cfg.TrainSplit), nil, trainPipe, images)
		if err != nil {
			return nil, nil, 0, err
		}
		va, err := dataset.NewImageFolderDataset(filepath.Join(cfg.DataDir, cfg.ValidSplit), nil, validPipe, images)
		if err != nil {
			return nil, nil, 0, err
		}
		if !slices.Equal(tr.ClassNames(), va.ClassNames()) {
			return nil, nil, 0, fmt.Errorf("class folders differ between %s and %s splits", cfg.TrainSplit, cfg.ValidSplit)
		}
		train, valid = tr, va
		trainClasses, validClasses = tr.NumClasses(), va.NumClasses()
	default:
		tr, err := dataset.NewCSVDataset(dataset.SplitPath(cfg.DataDir, cfg.TrainSplit), cfg.ImageDir, cfg.LabelColumn, trainPipe, images)
		if err != nil {
			return nil, nil, 0, err
		}
		va, err := dataset.NewCSVDataset(dataset.SplitPath(cfg.DataDir, cfg.ValidSplit), cfg.ImageDir, cfg.LabelColumn, validPipe, images)
		if err != nil {
			return nil, nil, 0, err
		}
		train, valid = tr, va
		trainClasses, validClasses = tr.NumClasses(), va.NumClasses()
	}

	numClasses := cfg.NumClasses
	if numClasses == 0 {
		numClasses = max(trainClasses, validClasses)
	}
	if trainClasses > numClasses || validClasses > numClasses {
		return nil, nil, 0, fmt.Errorf("labels need %d classes but num_classes is %d", max(trainClasses, validClasses), numClasses)
	}
	return dataset.Repeat(train, cfg.AugmentCopies), valid, numClasses, nil
}

// buildSink assembles the metric backends enabled in cfg. Without -log it
// returns monitor.Nop.
func buildSink(ctx context.Context, cfg training.Config, logger logr.Logger) (monitor.Sink, error) {
	if !cfg.Log {
		return monitor.Nop{}, nil
	}
	var sinks monitor.Multi
	fail := func(err error) (monitor.Sink, error) {
		sinks.Close()
		return nil, err
	}

	dbPath := cfg.MetricsDB
	if dbPath == "" {
		if err := os.MkdirAll(cfg.CheckpointDir, 0755); err != nil {
			return fail(fmt.Errorf("failed to create checkpoint directory: %w", err))
		}
		dbPath = filepath.Join(cfg.CheckpointDir, "metrics.db")
	}
	db, err := monitor.NewSQLiteSink(dbPath, cfg.RunName(), cfg)
	if err != nil {
		return fail(err)
	}
	sinks = append(sinks, db)
	logger.Info("recording metrics", "db", dbPath, "run", db.RunID())

	if cfg.PlotDir != "" {
		p, err := monitor.NewPlotSink(cfg.PlotDir)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, p)
	}
	if cfg.Dashboard != "" {
		d := monitor.NewDashboard()
		addr, err := d.ListenAndServe(cfg.Dashboard)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, d)
		logger.Info("dashboard listening", "url", "http://"+addr)
	}
	if cfg.Collector != "" {
		rcfg := monitor.DefaultRemoteConfig()
		rcfg.BaseURL = cfg.Collector
		rcfg.RunName = cfg.RunName()
		rc := monitor.NewRemoteCollector(rcfg)
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.CheckHealth(hctx)
		cancel()
		if err != nil {
			logger.Error(err, "remote collector unavailable, continuing without it", "url", cfg.Collector)
		} else {
			sinks = append(sinks, rc)
		}
	}
	return sinks, nil
}
