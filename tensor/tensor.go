package tensor

import (
	"fmt"
	"math"
)

type DeviceType int

const (
	CPU DeviceType = iota
	CUDA
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float64 array. Data is laid out so that it can
// be wrapped by gonum matrices without copying.
type Tensor struct {
	Shape  []int
	Data   []float64
	Device DeviceType
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, len(t.Data))
}

// NumElems returns the number of elements implied by the shape.
func (t *Tensor) NumElems() int {
	return calculateNumElements(t.Shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Rows returns the leading dimension and the product of the remaining ones,
// the view used when a batch is fed to a matrix multiply.
func (t *Tensor) Rows() (rows, cols int) {
	if len(t.Shape) == 0 {
		return 0, 0
	}
	rows = t.Shape[0]
	cols = 1
	for _, d := range t.Shape[1:] {
		cols *= d
	}
	return rows, cols
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, len(t.Data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data, Device: t.Device}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data, Device: t.Device}
}

// CopyFrom copies src's data into t. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t, src) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Equal reports whether shapes match and data is bit-identical.
func (t *Tensor) Equal(o *Tensor) bool {
	if !SameShape(t, o) {
		return false
	}
	for i, v := range t.Data {
		if math.Float64bits(v) != math.Float64bits(o.Data[i]) {
			return false
		}
	}
	return true
}

// IsFinite reports whether no element is NaN or Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ArgMaxRows returns the column index of the largest value in each row of a
// [rows, cols] view of t.
func (t *Tensor) ArgMaxRows() []int {
	rows, cols := t.Rows()
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
