package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/category-trainer/checkpoints"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 0.0,
	}
}

// AdamOptimizerState is Adam with bias-corrected first and second moments.
type AdamOptimizerState struct {
	config AdamConfig
	groups []*ParamGroup

	// First moment (momentum) and second moment (variance) per parameter
	expAvg   map[string][]float64
	expAvgSq map[string][]float64

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdamOptimizer creates an Adam optimizer over the given groups.
func NewAdamOptimizer(config AdamConfig, groups []*ParamGroup) (*AdamOptimizerState, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("invalid Adam betas: (%v, %v)", config.Beta1, config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("invalid weight decay: %v", config.WeightDecay)
	}
	adam := &AdamOptimizerState{
		config:   config,
		groups:   groups,
		expAvg:   make(map[string][]float64),
		expAvgSq: make(map[string][]float64),
	}
	for _, p := range allParams(groups) {
		adam.expAvg[p.Name] = make([]float64, len(p.Value.Data))
		adam.expAvgSq[p.Name] = make([]float64, len(p.Value.Data))
	}
	return adam, nil
}

// Step performs a single Adam update
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	b1, b2 := adam.config.Beta1, adam.config.Beta2
	biasCorrection1 := 1 - math.Pow(b1, float64(adam.StepCount))
	biasCorrection2 := 1 - math.Pow(b2, float64(adam.StepCount))

	for _, g := range adam.groups {
		stepSize := g.LR / biasCorrection1
		for _, p := range g.Params {
			m := adam.expAvg[p.Name]
			v := adam.expAvgSq[p.Name]
			if m == nil || v == nil {
				return fmt.Errorf("no Adam state for parameter %s", p.Name)
			}
			w, grad := p.Value.Data, p.Grad.Data
			for i := range w {
				gi := grad[i] + adam.config.WeightDecay*w[i]
				m[i] = b1*m[i] + (1-b1)*gi
				v[i] = b2*v[i] + (1-b2)*gi*gi
				denom := math.Sqrt(v[i])/math.Sqrt(biasCorrection2) + adam.config.Epsilon
				w[i] -= stepSize * m[i] / denom
			}
		}
	}
	return nil
}

func (adam *AdamOptimizerState) ZeroGrad()                  { zeroGrad(adam.groups) }
func (adam *AdamOptimizerState) ParamGroups() []*ParamGroup { return adam.groups }
func (adam *AdamOptimizerState) GetStepCount() uint64       { return adam.StepCount }
func (adam *AdamOptimizerState) Name() string               { return "Adam" }

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	params := allParams(adam.groups)
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"beta1":        adam.config.Beta1,
			"beta2":        adam.config.Beta2,
			"epsilon":      adam.config.Epsilon,
			"weight_decay": adam.config.WeightDecay,
			"step_count":   adam.StepCount,
		},
	}
	state.StateData = append(state.StateData, extractBufferState(adam.expAvg, params, "exp_avg")...)
	state.StateData = append(state.StateData, extractBufferState(adam.expAvgSq, params, "exp_avg_sq")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	params := allParams(adam.groups)
	expAvg, err := restoreBufferState(state.StateData, params, "exp_avg")
	if err != nil {
		return err
	}
	expAvgSq, err := restoreBufferState(state.StateData, params, "exp_avg_sq")
	if err != nil {
		return err
	}
	for name, buf := range expAvg {
		adam.expAvg[name] = buf
	}
	for name, buf := range expAvgSq {
		adam.expAvgSq[name] = buf
	}
	adam.config.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.StepCount = extractUintParam(state.Parameters, "step_count")
	return nil
}
