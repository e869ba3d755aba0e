package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/tensor"
)

func testGroups(t *testing.T) []*ParamGroup {
	t.Helper()
	w, _ := tensor.NewTensor([]int{2}, []float64{1, -1})
	b, _ := tensor.NewTensor([]int{1}, []float64{0.5})
	params := []*layers.Parameter{
		layers.NewParameter("backbone.w", layers.GroupFinetune, w),
		layers.NewParameter("head.b", layers.GroupFresh, b),
	}
	groups, err := NewParamGroups(params, map[string]float64{
		layers.GroupFinetune: 0.01,
		layers.GroupFresh:    0.1,
	})
	if err != nil {
		t.Fatalf("NewParamGroups failed: %v", err)
	}
	return groups
}

func setGrads(groups []*ParamGroup, v float64) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.Grad.Fill(v)
		}
	}
}

func TestNewParamGroups(t *testing.T) {
	groups := testGroups(t)
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(groups))
	}
	if groups[0].Name != layers.GroupFinetune || groups[1].Name != layers.GroupFresh {
		t.Errorf("Unexpected group order: %s, %s", groups[0].Name, groups[1].Name)
	}
	if groups[1].InitialLR != 0.1 {
		t.Errorf("InitialLR = %v, expected 0.1", groups[1].InitialLR)
	}

	params := append(groups[0].Params, groups[1].Params...)
	if _, err := NewParamGroups(params, map[string]float64{layers.GroupFinetune: 0.01}); err == nil {
		t.Error("Expected error for a missing learning rate")
	}
	if _, err := NewParamGroups(params, map[string]float64{layers.GroupFinetune: 0.01, layers.GroupFresh: 0}); err == nil {
		t.Error("Expected error for a zero learning rate")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"adam", "Adam", false},
		{"", "Adam", false},
		{"SGD", "SGD", false},
		{"rmsprop", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := New(tt.name, testGroups(t), 0.9, 5e-4)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if opt.Name() != tt.expected {
				t.Errorf("Name() = %s, expected %s", opt.Name(), tt.expected)
			}
		})
	}
}

func TestAdamFirstStep(t *testing.T) {
	groups := testGroups(t)
	opt, err := NewAdamOptimizer(DefaultAdamConfig(), groups)
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	setGrads(groups, 2)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// The first bias-corrected Adam step moves each weight by ~lr against
	// the sign of its gradient.
	w := groups[0].Params[0].Value.Data
	if math.Abs(w[0]-(1-0.01)) > 1e-6 || math.Abs(w[1]-(-1-0.01)) > 1e-6 {
		t.Errorf("Unexpected finetune weights after step: %v", w)
	}
	b := groups[1].Params[0].Value.Data
	if math.Abs(b[0]-(0.5-0.1)) > 1e-6 {
		t.Errorf("Unexpected fresh weight after step: %v", b)
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("Step count = %d, expected 1", opt.GetStepCount())
	}

	opt.ZeroGrad()
	for _, g := range groups {
		for _, p := range g.Params {
			for _, v := range p.Grad.Data {
				if v != 0 {
					t.Fatalf("%s gradient not cleared", p.Name)
				}
			}
		}
	}
}

func TestAdamWeightDecay(t *testing.T) {
	groups := testGroups(t)
	config := DefaultAdamConfig()
	config.WeightDecay = 0.5
	opt, _ := NewAdamOptimizer(config, groups)

	// With a zero gradient only the decay term moves the weights, toward zero.
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	w := groups[0].Params[0].Value.Data
	if !(w[0] < 1 && w[1] > -1) {
		t.Errorf("Weight decay should shrink weights toward zero, got %v", w)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	groups := testGroups(t)
	opt, _ := NewAdamOptimizer(DefaultAdamConfig(), groups)
	setGrads(groups, 1)
	opt.Step()
	opt.Step()

	state, err := opt.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 4 {
		t.Errorf("Expected 4 state tensors, got %d", len(state.StateData))
	}

	fresh, _ := NewAdamOptimizer(DefaultAdamConfig(), testGroups(t))
	if err := fresh.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if fresh.GetStepCount() != 2 {
		t.Errorf("Step count = %d, expected 2", fresh.GetStepCount())
	}
	for name, buf := range opt.expAvg {
		for i := range buf {
			if fresh.expAvg[name][i] != buf[i] {
				t.Errorf("exp_avg %s[%d] = %v, expected %v", name, i, fresh.expAvg[name][i], buf[i])
			}
		}
	}

	state.Type = "SGD"
	if err := fresh.LoadState(state); err == nil {
		t.Error("Expected error for mismatched state type")
	}
}

func TestSGDMomentum(t *testing.T) {
	groups := testGroups(t)
	config := DefaultSGDConfig()
	config.Momentum = 0.9
	opt, err := NewSGDOptimizer(config, groups)
	if err != nil {
		t.Fatalf("NewSGDOptimizer failed: %v", err)
	}
	setGrads(groups, 1)

	opt.Step() // buf = 1, b = 0.5 - 0.1
	opt.Step() // buf = 1.9, b = 0.4 - 0.19
	b := groups[1].Params[0].Value.Data[0]
	if math.Abs(b-0.21) > 1e-12 {
		t.Errorf("b = %v, expected 0.21", b)
	}
	w := groups[0].Params[0].Value.Data[0]
	if math.Abs(w-(1-0.01-0.019)) > 1e-12 {
		t.Errorf("w = %v, expected %v", w, 1-0.01-0.019)
	}

	state, _ := opt.GetState()
	restored, _ := NewSGDOptimizer(DefaultSGDConfig(), testGroups(t))
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.config.Momentum != 0.9 {
		t.Errorf("Momentum = %v, expected 0.9", restored.config.Momentum)
	}
	if restored.momentum["head.b"][0] != 1.9 {
		t.Errorf("Momentum buffer = %v, expected 1.9", restored.momentum["head.b"])
	}
}

func TestSGDConfigValidation(t *testing.T) {
	config := DefaultSGDConfig()
	config.Nesterov = true
	if _, err := NewSGDOptimizer(config, testGroups(t)); err == nil {
		t.Error("Expected error for nesterov without momentum")
	}
	if _, err := NewSGDOptimizer(DefaultSGDConfig(), nil); err == nil {
		t.Error("Expected error for no parameter groups")
	}
}

func TestGroupLearningRatesAreIndependent(t *testing.T) {
	groups := testGroups(t)
	opt, _ := NewSGDOptimizer(DefaultSGDConfig(), groups)
	groups[1].LR = 0.01

	lrs := LearningRates(opt)
	if lrs[layers.GroupFinetune] != 0.01 || lrs[layers.GroupFresh] != 0.01 {
		t.Errorf("Unexpected learning rates: %v", lrs)
	}
	if groups[1].InitialLR != 0.1 {
		t.Error("InitialLR should not follow LR changes")
	}
}
