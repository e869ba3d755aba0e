package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/category-trainer/device"
	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/optimizer"
	"github.com/tsawler/category-trainer/tensor"
)

// constLoss reports a fixed value and a uniform gradient of the given scale.
type constLoss struct {
	value float64
	scale float64
}

func (c constLoss) Forward(*tensor.Tensor, []int32) (float64, error) { return c.value, nil }

func (c constLoss) Backward(logits *tensor.Tensor, _ []int32) (*tensor.Tensor, error) {
	g := tensor.ZerosLike(logits)
	g.Fill(c.scale)
	return g, nil
}

func cpu(t *testing.T) *device.Context {
	t.Helper()
	dev, err := device.Parse("cpu")
	if err != nil {
		t.Fatalf("device.Parse failed: %v", err)
	}
	return dev
}

func TestTrainStep(t *testing.T) {
	model := testModel(t)
	opt := testOptimizer(t, model, "sgd", 0.01, 0.1)
	batch := randomBatches(1, 1, 4)[0]
	before := model.StateDict()

	res, err := TrainStep(cpu(t), model, batch, NewCrossEntropyLoss(), opt, optimizer.DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if res.Samples != 4 {
		t.Errorf("Expected 4 samples, got %d", res.Samples)
	}
	if res.Correct < 0 || res.Correct > 4 {
		t.Errorf("Correct count out of range: %d", res.Correct)
	}
	if !isFinite(res.Loss) || res.Loss <= 0 {
		t.Errorf("Expected positive finite loss, got %f", res.Loss)
	}
	if stateDictEqual(before, model.StateDict()) {
		t.Error("Parameters did not change after a step")
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", opt.GetStepCount())
	}
	for _, p := range model.Parameters() {
		for _, g := range p.Grad.Data {
			if g != 0 {
				t.Fatalf("%s: gradient not cleared after step", p.Name)
			}
		}
	}
}

func TestTrainStepNonFiniteLoss(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1)} {
		model := testModel(t)
		opt := testOptimizer(t, model, "adam", 0.01, 0.1)
		before := model.StateDict()

		_, err := TrainStep(cpu(t), model, randomBatches(1, 1, 2)[0], constLoss{value: v, scale: 1}, opt, 10)
		if !errors.Is(err, ErrNonFiniteLoss) {
			t.Errorf("Expected ErrNonFiniteLoss for %v, got %v", v, err)
		}
		if !stateDictEqual(before, model.StateDict()) {
			t.Errorf("Parameters changed after a rejected %v loss", v)
		}
		if opt.GetStepCount() != 0 {
			t.Errorf("Optimizer stepped on a %v loss", v)
		}
	}
}

func TestTrainStepClipsGradients(t *testing.T) {
	model := testModel(t)
	groups, _ := optimizer.NewParamGroups(model.Parameters(), map[string]float64{
		layers.GroupFinetune: 1,
		layers.GroupFresh:    1,
	})
	opt, err := optimizer.NewSGDOptimizer(optimizer.DefaultSGDConfig(), groups)
	if err != nil {
		t.Fatalf("NewSGDOptimizer failed: %v", err)
	}
	before := model.StateDict()

	res, err := TrainStep(cpu(t), model, randomBatches(3, 1, 4)[0], constLoss{value: 1, scale: 1e4}, opt, 10)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if res.GradNorm <= 10 {
		t.Fatalf("Expected pre-clip norm above 10, got %f", res.GradNorm)
	}

	// With lr 1 and no momentum the update is exactly the clipped gradient.
	var sq float64
	after := model.StateDict()
	for name, v := range before {
		for i := range v.Data {
			d := after[name].Data[i] - v.Data[i]
			sq += d * d
		}
	}
	if norm := math.Sqrt(sq); norm > 10+1e-6 {
		t.Errorf("Expected update norm <= 10, got %f", norm)
	}
}
