package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/category-trainer/checkpoints"
	"github.com/tsawler/category-trainer/layers"
)

// Optimizer defines the common interface for all optimizers. Updates are
// applied per parameter group, each with its own learning rate.
type Optimizer interface {
	// Step applies one update to every parameter from its accumulated gradient
	Step() error

	// ZeroGrad clears accumulated gradients
	ZeroGrad()

	// ParamGroups returns the groups in a fixed order; learning rates are
	// adjusted through the returned pointers
	ParamGroups() []*ParamGroup

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	Name() string
}

// ParamGroup is a named set of parameters sharing one learning rate.
type ParamGroup struct {
	Name      string
	LR        float64
	InitialLR float64
	Params    []*layers.Parameter
}

// NewParamGroups partitions params by their group tag and assigns each
// group its learning rate from lrs. The result follows layers.Groups order.
func NewParamGroups(params []*layers.Parameter, lrs map[string]float64) ([]*ParamGroup, error) {
	parts, err := layers.Partition(params)
	if err != nil {
		return nil, err
	}
	groups := make([]*ParamGroup, 0, len(layers.Groups))
	for _, name := range layers.Groups {
		lr, ok := lrs[name]
		if !ok {
			return nil, fmt.Errorf("no learning rate for parameter group %q", name)
		}
		if lr <= 0 {
			return nil, fmt.Errorf("learning rate for group %q must be positive, got %v", name, lr)
		}
		groups = append(groups, &ParamGroup{
			Name:      name,
			LR:        lr,
			InitialLR: lr,
			Params:    parts[name],
		})
	}
	return groups, nil
}

// LearningRates returns the current rate of every group keyed by name.
func LearningRates(opt Optimizer) map[string]float64 {
	out := make(map[string]float64)
	for _, g := range opt.ParamGroups() {
		out[g.Name] = g.LR
	}
	return out
}

// New constructs an optimizer by name ("adam" or "sgd").
func New(name string, groups []*ParamGroup, momentum, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam", "":
		config := DefaultAdamConfig()
		config.WeightDecay = weightDecay
		return NewAdamOptimizer(config, groups)
	case "sgd":
		config := DefaultSGDConfig()
		config.Momentum = momentum
		config.WeightDecay = weightDecay
		return NewSGDOptimizer(config, groups)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func allParams(groups []*ParamGroup) []*layers.Parameter {
	var params []*layers.Parameter
	for _, g := range groups {
		params = append(params, g.Params...)
	}
	return params
}

func zeroGrad(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
