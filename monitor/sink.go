// Package monitor delivers per-epoch training metrics to observability
// backends. Every backend implements Sink; a run with logging disabled uses
// Nop.
package monitor

import (
	"errors"
	"sort"
)

// Metric keys written by the training loop.
const (
	TrainLoss     = "train/loss"
	TrainAccuracy = "train/accuracy"
	ValidLoss     = "valid/loss"
	ValidAccuracy = "valid/accuracy"
	LRFinetune    = "lr/finetune"
	LRFresh       = "lr/fresh"
)

// Sink receives one set of named metrics per epoch.
type Sink interface {
	Log(epoch int, metrics map[string]float64) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(int, map[string]float64) error { return nil }
func (Nop) Close() error                      { return nil }

// Multi fans out to several sinks. Every sink is called even if an earlier
// one fails; the errors are joined.
type Multi []Sink

func (m Multi) Log(epoch int, metrics map[string]float64) error {
	var errs []error
	for _, s := range m {
		if err := s.Log(epoch, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Point is one logged epoch.
type Point struct {
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
}

// sortedKeys returns the metric names in m in lexical order.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
