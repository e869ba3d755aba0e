package training

import (
	"time"

	"github.com/tsawler/category-trainer/checkpoints"
	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/optimizer"
)

// EpochRecord is the per-epoch history entry of a run.
type EpochRecord struct {
	Epoch         int                `json:"epoch"`
	TrainLoss     float64            `json:"train_loss"`
	TrainAccuracy float64            `json:"train_accuracy"`
	ValidLoss     float64            `json:"valid_loss"`
	ValidAccuracy float64            `json:"valid_accuracy"`
	LearningRates map[string]float64 `json:"learning_rates"`
	LRReduced     bool               `json:"lr_reduced"`
	Duration      time.Duration      `json:"duration"`
}

// TrainingState is everything that persists across epochs of one run. It is
// created when the run is initialised and passed explicitly to every epoch.
type TrainingState struct {
	Epoch         int // epochs completed
	Step          int // optimizer steps taken
	Optimizer     optimizer.Optimizer
	Policy        LRPolicy
	BestValidLoss float64
	History       []EpochRecord
}

// Record appends rec to the history and advances the epoch counter.
func (s *TrainingState) Record(rec EpochRecord, steps int) {
	s.History = append(s.History, rec)
	s.Epoch = rec.Epoch + 1
	s.Step += steps
	if len(s.History) == 1 || rec.ValidLoss < s.BestValidLoss {
		s.BestValidLoss = rec.ValidLoss
	}
}

// Last returns the most recent record, or false when no epoch has finished.
func (s *TrainingState) Last() (EpochRecord, bool) {
	if len(s.History) == 0 {
		return EpochRecord{}, false
	}
	return s.History[len(s.History)-1], true
}

// Snapshot converts the state into its checkpoint form.
func (s *TrainingState) Snapshot() checkpoints.TrainingState {
	ts := checkpoints.TrainingState{
		Epoch:         s.Epoch,
		Step:          s.Step,
		LearningRates: optimizer.LearningRates(s.Optimizer),
		BestLoss:      s.BestValidLoss,
	}
	if last, ok := s.Last(); ok {
		ts.TrainLoss = last.TrainLoss
		ts.ValidLoss = last.ValidLoss
	}
	return ts
}

// groupsByParam maps every parameter name to its group tag.
func groupsByParam(params []*layers.Parameter) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Group
	}
	return out
}
