package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds every setting of a training run.
type Config struct {
	BatchSize   int     `json:"batchsize"`
	Epochs      int     `json:"train_epoch"`
	Height      int     `json:"height"`
	Width       int     `json:"width"`
	Workers     int     `json:"workers"`
	LRFinetune  float64 `json:"lr_ft"`
	LRFresh     float64 `json:"lr_new"`
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`
	Optimizer   string  `json:"optimizer"` // adam or sgd
	MaxGradNorm float64 `json:"max_grad_norm"`
	LogInterval int     `json:"log_interval"`

	Scheduler SchedulerConfig `json:"scheduler"`

	TrainSplit    string `json:"train_split"` // train or trainval
	ValidSplit    string `json:"valid_split"` // test or valid
	DataFormat    string `json:"data_format"` // csv or folder
	DataDir       string `json:"data_dir"`
	ImageDir      string `json:"image_dir"`
	LabelColumn   string `json:"label_column"`
	AugmentCopies int    `json:"augment_copies"`
	NumClasses    int    `json:"num_classes"` // 0 infers from the training labels
	Seed          int64  `json:"seed"`

	Device        string `json:"device"`
	UsePretrain   bool   `json:"use_pretrain"`
	PretrainModel string `json:"pretrain_model"`

	CheckpointDir    string `json:"checkpoint"`
	CheckpointFormat string `json:"checkpoint_format"` // json or onnx

	// Observability. With Log false no sink is attached.
	Log       bool   `json:"log"`
	MetricsDB string `json:"metrics_db"`
	PlotDir   string `json:"plot_dir"`
	Dashboard string `json:"dashboard"` // listen address
	Collector string `json:"collector"` // remote collector URL
}

// DefaultConfig returns the defaults of the category trainer.
func DefaultConfig() Config {
	return Config{
		BatchSize:        8,
		Epochs:           500,
		Height:           256,
		Width:            256,
		Workers:          4,
		LRFinetune:       0.01,
		LRFresh:          0.1,
		Momentum:         0.9,
		WeightDecay:      5e-4,
		Optimizer:        "adam",
		MaxGradNorm:      10.0,
		LogInterval:      DefaultLogInterval,
		Scheduler:        DefaultSchedulerConfig(),
		TrainSplit:       "train",
		ValidSplit:       "test",
		DataFormat:       "csv",
		DataDir:          "datasets",
		ImageDir:         "datasets/images",
		LabelColumn:      "index",
		AugmentCopies:    5,
		Seed:             1,
		Device:           "1",
		PretrainModel:    "path_to_model.json",
		CheckpointDir:    "./exp",
		CheckpointFormat: "json",
	}
}

// Validate checks the settings that must hold before any epoch runs.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.BatchSize > 0, "batchsize must be positive, got %d", c.BatchSize)
	check(c.Epochs > 0, "train_epoch must be positive, got %d", c.Epochs)
	check(c.Height > 0 && c.Width > 0, "image size must be positive, got %dx%d", c.Height, c.Width)
	check(c.Workers >= 0, "workers must not be negative, got %d", c.Workers)
	check(c.LRFinetune > 0, "lr_ft must be positive, got %v", c.LRFinetune)
	check(c.LRFresh > 0, "lr_new must be positive, got %v", c.LRFresh)
	check(c.Momentum >= 0, "momentum must not be negative, got %v", c.Momentum)
	check(c.WeightDecay >= 0, "weight_decay must not be negative, got %v", c.WeightDecay)
	check(c.MaxGradNorm > 0, "max_grad_norm must be positive, got %v", c.MaxGradNorm)
	check(c.TrainSplit == "train" || c.TrainSplit == "trainval", "train_split must be train or trainval, got %q", c.TrainSplit)
	check(c.ValidSplit == "test" || c.ValidSplit == "valid", "valid_split must be test or valid, got %q", c.ValidSplit)
	check(c.DataFormat == "csv" || c.DataFormat == "folder", "data_format must be csv or folder, got %q", c.DataFormat)
	check(c.AugmentCopies > 0, "augment_copies must be positive, got %d", c.AugmentCopies)
	check(c.NumClasses >= 0, "num_classes must not be negative, got %d", c.NumClasses)
	check(!c.UsePretrain || c.PretrainModel != "", "use_pretrain requires pretrain_model")
	check(c.CheckpointDir != "", "checkpoint directory must be set")
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// LoadConfig reads a JSON config file over the defaults, so a file only
// needs the fields it changes.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// RunName identifies the run in remote metric collectors.
func (c Config) RunName() string {
	return fmt.Sprintf("Uniqlo_category_lr_%v_%v", c.LRFinetune, c.LRFresh)
}
