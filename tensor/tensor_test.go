package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestDeviceTypeString(t *testing.T) {
	tests := []struct {
		device   DeviceType
		expected string
	}{
		{CPU, "CPU"},
		{CUDA, "CUDA"},
		{DeviceType(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.device.String()
		if result != test.expected {
			t.Errorf("DeviceType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestNewTensor(t *testing.T) {
	t.Run("ZeroFilled", func(t *testing.T) {
		tt, err := NewTensor([]int{2, 3}, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(tt.Data) != 6 {
			t.Errorf("Expected 6 elements, got %d", len(tt.Data))
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, []float64{1, 2, 3}); err == nil {
			t.Error("Expected error for data length mismatch")
		}
	})

	t.Run("InvalidShape", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 0}, nil); err == nil {
			t.Error("Expected error for zero dimension")
		}
		if _, err := NewTensor(nil, nil); err == nil {
			t.Error("Expected error for empty shape")
		}
	})
}

func TestReshapeSharesData(t *testing.T) {
	tt, _ := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	r, err := tt.Reshape(3, 2)
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	r.Data[0] = 42
	if tt.Data[0] != 42 {
		t.Error("Reshape should share the underlying data")
	}
	if _, err := tt.Reshape(4, 2); err == nil {
		t.Error("Expected error reshaping to a different element count")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tt, _ := NewTensor([]int{3}, []float64{1, 2, 3})
	c := tt.Clone()
	c.Data[1] = -1
	if tt.Data[1] != 2 {
		t.Error("Clone should not share data")
	}
	if !reflect.DeepEqual(c.Shape, tt.Shape) {
		t.Errorf("Clone shape %v, expected %v", c.Shape, tt.Shape)
	}
}

func TestEqualAndFinite(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float64{1, 2})
	b, _ := NewTensor([]int{2}, []float64{1, 2})
	if !a.Equal(b) {
		t.Error("Expected equal tensors")
	}
	b.Data[1] = math.Nextafter(2, 3)
	if a.Equal(b) {
		t.Error("Expected tensors differing in one ulp to be unequal")
	}
	if !a.IsFinite() {
		t.Error("Expected finite tensor")
	}
	a.Data[0] = math.Inf(1)
	if a.IsFinite() {
		t.Error("Expected Inf to be detected")
	}
	a.Data[0] = math.NaN()
	if a.IsFinite() {
		t.Error("Expected NaN to be detected")
	}
}

func TestArgMaxRows(t *testing.T) {
	tt, _ := NewTensor([]int{3, 3}, []float64{
		0.1, 0.7, 0.2,
		5, -1, 4,
		0, 0, 1,
	})
	got := tt.ArgMaxRows()
	want := []int{1, 0, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ArgMaxRows = %v, expected %v", got, want)
	}
}

func TestStack(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, []float64{1, 2})
	b, _ := NewTensor([]int{1, 2}, []float64{3, 4})
	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 1, 2}) {
		t.Errorf("Stack shape %v", s.Shape)
	}
	if !reflect.DeepEqual(s.Data, []float64{1, 2, 3, 4}) {
		t.Errorf("Stack data %v", s.Data)
	}

	c, _ := NewTensor([]int{2}, []float64{1, 2})
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Error("Expected shape mismatch error")
	}
	if _, err := Stack(nil); err == nil {
		t.Error("Expected error stacking nothing")
	}
}
