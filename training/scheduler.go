package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/category-trainer/optimizer"
)

// LRScheduler is a pure learning-rate schedule over epochs.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch from the group's
	// initial rate.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// LRPolicy adapts the learning rates of the optimizer's parameter groups
// once per epoch after validation. Implementations never raise a rate.
type LRPolicy interface {
	// Step consumes the epoch's validation loss, adjusts the groups in place
	// and reports whether any rate changed.
	Step(epoch int, metric float64, groups []*optimizer.ParamGroup) bool
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 { return baseLR }
func (s *NoOpScheduler) GetName() string                         { return "ConstantLR" }

// SchedulePolicy applies an LRScheduler after every epoch. The rate for the
// next epoch is computed from each group's initial rate and clamped so that
// it never exceeds the current one.
type SchedulePolicy struct {
	Scheduler LRScheduler
}

func (p *SchedulePolicy) Step(epoch int, metric float64, groups []*optimizer.ParamGroup) bool {
	changed := false
	for _, g := range groups {
		next := p.Scheduler.GetLR(epoch+1, g.InitialLR)
		if next < g.LR {
			g.LR = next
			changed = true
		}
	}
	return changed
}

func (p *SchedulePolicy) GetName() string { return p.Scheduler.GetName() }

// ReduceLROnPlateauScheduler reduces every group's learning rate when the
// monitored metric has not improved for Patience consecutive epochs.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Absolute margin a new value must beat the best by
	Mode      string  // One of "min" or "max"
	MinLR     float64 // Lower bound on every group's rate

	bestMetric  float64
	badEpochs   int
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 4
	}
	if threshold < 0 {
		threshold = 0
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records metric for the epoch and reduces all rates once the
// patience is exhausted. NaN never counts as an improvement.
func (s *ReduceLROnPlateauScheduler) Step(epoch int, metric float64, groups []*optimizer.ParamGroup) bool {
	if !s.initialized {
		if s.Mode == "min" {
			s.bestMetric = math.Inf(1)
		} else {
			s.bestMetric = math.Inf(-1)
		}
		s.initialized = true
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}
	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
		return false
	}

	s.badEpochs++
	if s.badEpochs < s.Patience {
		return false
	}
	s.badEpochs = 0
	changed := false
	for _, g := range groups {
		next := math.Max(g.LR*s.Factor, s.MinLR)
		if next < g.LR {
			g.LR = next
			changed = true
		}
	}
	return changed
}

// Best returns the best metric seen so far.
func (s *ReduceLROnPlateauScheduler) Best() float64 { return s.bestMetric }

// BadEpochs returns the current count of epochs without improvement.
func (s *ReduceLROnPlateauScheduler) BadEpochs() int { return s.badEpochs }

func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// SchedulerConfig selects and parameterises the learning-rate policy.
type SchedulerConfig struct {
	Name      string  `json:"name"` // plateau, step, exponential, cosine, constant
	Factor    float64 `json:"factor"`
	Patience  int     `json:"patience"`
	Threshold float64 `json:"threshold"`
	MinLR     float64 `json:"min_lr"`
	StepSize  int     `json:"step_size"`
	Gamma     float64 `json:"gamma"`
	TMax      int     `json:"t_max"`
}

// DefaultSchedulerConfig returns the plateau policy with factor 0.1 and
// patience 4.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Name:     "plateau",
		Factor:   0.1,
		Patience: 4,
	}
}

// NewLRPolicy builds the policy described by cfg.
func NewLRPolicy(cfg SchedulerConfig) (LRPolicy, error) {
	switch strings.ToLower(cfg.Name) {
	case "plateau", "":
		s := NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, "min")
		s.MinLR = cfg.MinLR
		return s, nil
	case "step":
		return &SchedulePolicy{Scheduler: NewStepLRScheduler(cfg.StepSize, cfg.Gamma)}, nil
	case "exponential":
		return &SchedulePolicy{Scheduler: NewExponentialLRScheduler(cfg.Gamma)}, nil
	case "cosine":
		return &SchedulePolicy{Scheduler: NewCosineAnnealingLRScheduler(cfg.TMax, cfg.MinLR)}, nil
	case "constant":
		return &SchedulePolicy{Scheduler: &NoOpScheduler{}}, nil
	default:
		return nil, fmt.Errorf("unknown learning rate policy %q", cfg.Name)
	}
}
