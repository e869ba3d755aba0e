package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/category-trainer/checkpoints"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		Momentum:    0.0,
		Dampening:   0.0,
		WeightDecay: 0.0,
		Nesterov:    false,
	}
}

// SGDOptimizerState is stochastic gradient descent with optional momentum.
type SGDOptimizerState struct {
	config SGDConfig
	groups []*ParamGroup

	momentum  map[string][]float64
	StepCount uint64
}

// NewSGDOptimizer creates an SGD optimizer over the given groups.
func NewSGDOptimizer(config SGDConfig, groups []*ParamGroup) (*SGDOptimizerState, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}
	if config.Momentum < 0 || config.WeightDecay < 0 {
		return nil, fmt.Errorf("invalid SGD config: %+v", config)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0 and zero dampening")
	}
	return &SGDOptimizerState{
		config:   config,
		groups:   groups,
		momentum: make(map[string][]float64),
	}, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			d := make([]float64, len(p.Grad.Data))
			copy(d, p.Grad.Data)
			if sgd.config.WeightDecay != 0 {
				floats.AddScaled(d, sgd.config.WeightDecay, p.Value.Data)
			}
			if sgd.config.Momentum != 0 {
				buf, ok := sgd.momentum[p.Name]
				if !ok {
					buf = make([]float64, len(d))
					copy(buf, d)
					sgd.momentum[p.Name] = buf
				} else {
					floats.Scale(sgd.config.Momentum, buf)
					floats.AddScaled(buf, 1-sgd.config.Dampening, d)
				}
				if sgd.config.Nesterov {
					floats.AddScaled(d, sgd.config.Momentum, buf)
				} else {
					copy(d, buf)
				}
			}
			floats.AddScaled(p.Value.Data, -g.LR, d)
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad()                  { zeroGrad(sgd.groups) }
func (sgd *SGDOptimizerState) ParamGroups() []*ParamGroup { return sgd.groups }
func (sgd *SGDOptimizerState) GetStepCount() uint64       { return sgd.StepCount }
func (sgd *SGDOptimizerState) Name() string               { return "SGD" }

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"momentum":     sgd.config.Momentum,
			"dampening":    sgd.config.Dampening,
			"weight_decay": sgd.config.WeightDecay,
			"nesterov":     sgd.config.Nesterov,
			"step_count":   sgd.StepCount,
		},
		StateData: extractBufferState(sgd.momentum, allParams(sgd.groups), "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	buffers, err := restoreBufferState(state.StateData, allParams(sgd.groups), "momentum")
	if err != nil {
		return err
	}
	sgd.momentum = buffers
	sgd.config.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.Dampening = extractFloatParam(state.Parameters, "dampening", sgd.config.Dampening)
	sgd.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.StepCount = extractUintParam(state.Parameters, "step_count")
	return nil
}
