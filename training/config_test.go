package training

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.LRFinetune != 0.01 || cfg.LRFresh != 0.1 || cfg.MaxGradNorm != 10 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.Scheduler.Factor != 0.1 || cfg.Scheduler.Patience != 4 {
		t.Errorf("Unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if got := cfg.RunName(); got != "Uniqlo_category_lr_0.01_0.1" {
		t.Errorf("Expected Uniqlo_category_lr_0.01_0.1, got %s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	cfg.LRFresh = -1
	cfg.TrainSplit = "everything"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
	for _, want := range []string{"batchsize", "lr_new", "train_split"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s: %v", want, err)
		}
	}

	cfg = DefaultConfig()
	cfg.UsePretrain = true
	cfg.PretrainModel = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for use_pretrain without a model path")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"batchsize": 2, "lr_ft": 0.001, "scheduler": {"name": "step", "step_size": 5}}`), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.BatchSize != 2 || cfg.LRFinetune != 0.001 {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.LRFresh != 0.1 || cfg.Epochs != 500 {
		t.Errorf("Defaults not kept for absent fields: %+v", cfg)
	}
	if cfg.Scheduler.Name != "step" || cfg.Scheduler.StepSize != 5 {
		t.Errorf("Scheduler not applied: %+v", cfg.Scheduler)
	}

	out := filepath.Join(dir, "saved.json")
	if err := cfg.Save(out); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	again, err := LoadConfig(out)
	if err != nil {
		t.Fatalf("LoadConfig of saved file failed: %v", err)
	}
	if again.BatchSize != 2 || again.Scheduler.StepSize != 5 {
		t.Errorf("Saved config did not round trip: %+v", again)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0644)
	if _, err := LoadConfig(bad); err == nil {
		t.Error("Expected error for malformed file")
	}
}
