package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. The slice is not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		Device: CPU,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a non-positive dimension.
func Zeros(shape ...int) *Tensor {
	t, err := NewTensor(shape, nil)
	if err != nil {
		panic(err)
	}
	return t
}

// ZerosLike allocates a zero-filled tensor with t's shape and device.
func ZerosLike(t *Tensor) *Tensor {
	z := Zeros(t.Shape...)
	z.Device = t.Device
	return z
}

// Uniform fills a new tensor with values drawn from U(-bound, bound).
func Uniform(rng *rand.Rand, bound float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	return t
}

// Stack concatenates equally shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("stack: no tensors")
	}
	first := items[0]
	per := len(first.Data)
	shape := append([]int{len(items)}, first.Shape...)
	out := Zeros(shape...)
	out.Device = first.Device
	for i, it := range items {
		if !SameShape(first, it) {
			return nil, fmt.Errorf("stack: item %d has shape %v, expected %v", i, it.Shape, first.Shape)
		}
		copy(out.Data[i*per:(i+1)*per], it.Data)
	}
	return out, nil
}
