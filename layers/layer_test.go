package layers

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/category-trainer/tensor"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		layerType LayerType
		expected  string
	}{
		{Dense, "Dense"},
		{ReLU, "ReLU"},
		{Flatten, "Flatten"},
		{AdaptiveAvgPool2D, "AdaptiveAvgPool2D"},
		{Dropout, "Dropout"},
		{LayerType(99), "Unknown"},
	}

	for _, test := range tests {
		if got := test.layerType.String(); got != test.expected {
			t.Errorf("LayerType.String() = %s, expected %s", got, test.expected)
		}
	}
}

func TestLinearForward(t *testing.T) {
	l := NewLinear("fc", GroupFresh, 2, 2, rand.New(rand.NewSource(1)))
	copy(l.Weight.Value.Data, []float64{1, 2, 3, 4})
	copy(l.Bias.Value.Data, []float64{0.5, -0.5})

	x, _ := tensor.NewTensor([]int{1, 2}, []float64{1, 1})
	y, err := l.Forward(x, true, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []float64{3.5, 6.5}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Errorf("y[%d] = %f, expected %f", i, y.Data[i], want[i])
		}
	}

	if _, err := l.Backward(y); !errors.Is(err, ErrNoForward) {
		t.Errorf("Expected ErrNoForward without recording, got %v", err)
	}

	bad, _ := tensor.NewTensor([]int{1, 3}, nil)
	if _, err := l.Forward(bad, true, true); err == nil {
		t.Error("Expected feature count mismatch error")
	}
}

func TestAdaptiveAvgPool(t *testing.T) {
	p := NewAdaptiveAvgPool("pool", 2)
	x, _ := tensor.NewTensor([]int{1, 1, 4, 4}, []float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	})
	y, err := p.Forward(x, false, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []float64{1, 2, 3, 4}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Errorf("y[%d] = %f, expected %f", i, y.Data[i], want[i])
		}
	}

	g, _ := tensor.NewTensor([]int{1, 1, 2, 2}, []float64{4, 4, 4, 4})
	dx, err := p.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, v := range dx.Data {
		if v != 1 {
			t.Errorf("dx[%d] = %f, expected 1", i, v)
		}
	}

	small, _ := tensor.NewTensor([]int{1, 1, 1, 1}, nil)
	if _, err := p.Forward(small, false, false); err == nil {
		t.Error("Expected error for input smaller than the pool output")
	}
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	d := NewDropout("drop", 0.5, rand.New(rand.NewSource(3)))
	x, _ := tensor.NewTensor([]int{1, 4}, []float64{1, 2, 3, 4})
	y, err := d.Forward(x, false, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !y.Equal(x) {
		t.Errorf("Eval-mode dropout changed values: %v", y.Data)
	}

	y, _ = d.Forward(x, true, true)
	for i, v := range y.Data {
		if v != 0 && v != 2*x.Data[i] {
			t.Errorf("Training dropout produced %f for input %f", v, x.Data[i])
		}
	}
}

func smallModel(t *testing.T) *CategoryModel {
	t.Helper()
	m, err := NewCategoryModel(ModelConfig{
		Channels:    1,
		FeatureGrid: 2,
		Hidden:      3,
		NumClasses:  2,
		Seed:        7,
	})
	if err != nil {
		t.Fatalf("NewCategoryModel failed: %v", err)
	}
	return m
}

// sumOutput is a scalar objective whose gradient with respect to the logits
// is all ones, for finite-difference checks.
func sumOutput(t *testing.T, m *CategoryModel, x *tensor.Tensor) float64 {
	y, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	var s float64
	for _, v := range y.Data {
		s += v
	}
	return s
}

func TestCategoryModelGradients(t *testing.T) {
	m := smallModel(t)
	rng := rand.New(rand.NewSource(11))
	x := tensor.Uniform(rng, 1, 2, 1, 4, 4)

	y, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	ones := tensor.ZerosLike(y)
	ones.Fill(1)
	if err := m.Backward(ones); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-6
	for _, p := range m.Parameters() {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			up := sumOutput(t, m, x)
			p.Value.Data[i] = orig - eps
			down := sumOutput(t, m, x)
			p.Value.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-p.Grad.Data[i]) > 1e-4 {
				t.Errorf("%s[%d]: analytic %f, numeric %f", p.Name, i, p.Grad.Data[i], numeric)
			}
		}
	}
}

func TestCategoryModelGradMode(t *testing.T) {
	m := smallModel(t)
	x := tensor.Zeros(1, 1, 4, 4)

	prev := m.SetGradEnabled(false)
	if !prev {
		t.Error("Gradient tracking should be enabled by default")
	}
	y, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := m.Backward(y); err == nil {
		t.Error("Expected Backward to fail with gradient tracking disabled")
	}
	m.SetGradEnabled(true)
	if err := m.Backward(y); !errors.Is(err, ErrNoForward) {
		t.Errorf("Expected ErrNoForward after a non-recording forward, got %v", err)
	}
}

func TestPartition(t *testing.T) {
	m := smallModel(t)
	groups, err := Partition(m.Parameters())
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	if len(groups[GroupFinetune]) != 2 || len(groups[GroupFresh]) != 2 {
		t.Errorf("Unexpected partition sizes: finetune=%d fresh=%d",
			len(groups[GroupFinetune]), len(groups[GroupFresh]))
	}
	for _, p := range groups[GroupFinetune] {
		if !strings.HasPrefix(p.Name, "backbone.") {
			t.Errorf("%s should not be in the finetune group", p.Name)
		}
	}

	t.Run("UnknownGroup", func(t *testing.T) {
		ps := append(m.Parameters(), NewParameter("x", "other", tensor.Zeros(1)))
		if _, err := Partition(ps); !errors.Is(err, ErrUnknownGroup) {
			t.Errorf("Expected ErrUnknownGroup, got %v", err)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		ps := m.Parameters()
		ps = append(ps, ps[0])
		if _, err := Partition(ps); !errors.Is(err, ErrDuplicateParam) {
			t.Errorf("Expected ErrDuplicateParam, got %v", err)
		}
	})

	t.Run("EmptyGroup", func(t *testing.T) {
		if _, err := Partition(m.Backbone.Parameters()); !errors.Is(err, ErrEmptyGroup) {
			t.Errorf("Expected ErrEmptyGroup, got %v", err)
		}
	})
}

func TestStateDict(t *testing.T) {
	a := smallModel(t)
	b, _ := NewCategoryModel(ModelConfig{Channels: 1, FeatureGrid: 2, Hidden: 3, NumClasses: 2, Seed: 99})

	if err := b.LoadStateDict(a.StateDict()); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	for name, v := range a.StateDict() {
		if !v.Equal(b.StateDict()[name]) {
			t.Errorf("%s differs after load", name)
		}
	}

	sd := a.StateDict()
	sd["head.fc.weight"] = tensor.Zeros(5)
	if err := b.LoadStateDict(sd); !errors.Is(err, ErrStateDict) {
		t.Errorf("Expected shape mismatch error, got %v", err)
	}

	sd = a.StateDict()
	delete(sd, "head.fc.bias")
	if err := b.LoadStateDict(sd); !errors.Is(err, ErrStateDict) {
		t.Errorf("Expected missing key error, got %v", err)
	}

	sd = a.StateDict()
	sd["extra"] = tensor.Zeros(1)
	if err := b.LoadStateDict(sd); !errors.Is(err, ErrStateDict) {
		t.Errorf("Expected unexpected key error, got %v", err)
	}
}

func TestNewCategoryModelValidation(t *testing.T) {
	bad := []ModelConfig{
		{Channels: 0, FeatureGrid: 2, Hidden: 2, NumClasses: 2},
		{Channels: 1, FeatureGrid: 2, Hidden: 2, NumClasses: 1},
		{Channels: 1, FeatureGrid: 2, Hidden: 2, NumClasses: 2, Dropout: 1},
	}
	for i, cfg := range bad {
		if _, err := NewCategoryModel(cfg); err == nil {
			t.Errorf("Config %d: expected error", i)
		}
	}

	m, err := NewCategoryModel(DefaultModelConfig(4))
	if err != nil {
		t.Fatalf("Default config failed: %v", err)
	}
	if !strings.Contains(m.Summary(), "head.fc") {
		t.Errorf("Summary missing head layer:\n%s", m.Summary())
	}
}
