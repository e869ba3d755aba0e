package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/category-trainer/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Flatten
	AdaptiveAvgPool2D
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Flatten:
		return "Flatten"
	case AdaptiveAvgPool2D:
		return "AdaptiveAvgPool2D"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// ErrNoForward is returned by Backward when no forward pass was recorded.
var ErrNoForward = errors.New("backward called without a recorded forward pass")

// Layer is one differentiable stage of a model. Forward records whatever the
// matching Backward needs only when record is true; otherwise any previously
// recorded state is dropped.
type Layer interface {
	Type() LayerType
	Name() string
	Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Linear implements a fully connected layer: y = xW^T + b, W is [out, in].
type Linear struct {
	name    string
	in, out int
	Weight  *Parameter
	Bias    *Parameter

	input *mat.Dense
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights and
// zero bias, tagging both parameters with group.
func NewLinear(name, group string, in, out int, rng *rand.Rand) *Linear {
	bound := math.Sqrt(6.0 / float64(in+out))
	return &Linear{
		name:   name,
		in:     in,
		out:    out,
		Weight: NewParameter(name+".weight", group, tensor.Uniform(rng, bound, out, in)),
		Bias:   NewParameter(name+".bias", group, tensor.Zeros(out)),
	}
}

func (l *Linear) Type() LayerType          { return Dense }
func (l *Linear) Name() string             { return l.name }
func (l *Linear) Parameters() []*Parameter { return []*Parameter{l.Weight, l.Bias} }

func (l *Linear) Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error) {
	rows, cols := x.Rows()
	if cols != l.in {
		return nil, fmt.Errorf("%s: expected %d input features, got %d", l.name, l.in, cols)
	}
	X := mat.NewDense(rows, l.in, x.Data)
	W := mat.NewDense(l.out, l.in, l.Weight.Value.Data)

	y := tensor.Zeros(rows, l.out)
	y.Device = x.Device
	Y := mat.NewDense(rows, l.out, y.Data)
	Y.Mul(X, W.T())
	for r := 0; r < rows; r++ {
		floats.Add(y.Data[r*l.out:(r+1)*l.out], l.Bias.Value.Data)
	}

	l.input = nil
	if record {
		l.input = X
	}
	return y, nil
}

func (l *Linear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: %w", l.name, ErrNoForward)
	}
	rows, _ := l.input.Dims()
	if r, c := gradOut.Rows(); r != rows || c != l.out {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output [%d %d]", l.name, gradOut.Shape, rows, l.out)
	}
	G := mat.NewDense(rows, l.out, gradOut.Data)

	var dW mat.Dense
	dW.Mul(G.T(), l.input)
	floats.Add(l.Weight.Grad.Data, dW.RawMatrix().Data)
	for r := 0; r < rows; r++ {
		floats.Add(l.Bias.Grad.Data, gradOut.Data[r*l.out:(r+1)*l.out])
	}

	W := mat.NewDense(l.out, l.in, l.Weight.Value.Data)
	dx := tensor.Zeros(rows, l.in)
	dx.Device = gradOut.Device
	DX := mat.NewDense(rows, l.in, dx.Data)
	DX.Mul(G, W)
	return dx, nil
}

// ReLULayer applies max(0, x) elementwise.
type ReLULayer struct {
	name string
	mask []bool
}

func NewReLU(name string) *ReLULayer { return &ReLULayer{name: name} }

func (r *ReLULayer) Type() LayerType          { return ReLU }
func (r *ReLULayer) Name() string             { return r.name }
func (r *ReLULayer) Parameters() []*Parameter { return nil }

func (r *ReLULayer) Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error) {
	y := x.Clone()
	var mask []bool
	if record {
		mask = make([]bool, len(y.Data))
	}
	for i, v := range y.Data {
		if v > 0 {
			if mask != nil {
				mask[i] = true
			}
			continue
		}
		y.Data[i] = 0
	}
	r.mask = mask
	return y, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("%s: %w", r.name, ErrNoForward)
	}
	if len(gradOut.Data) != len(r.mask) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", r.name, len(gradOut.Data), len(r.mask))
	}
	dx := gradOut.Clone()
	for i, on := range r.mask {
		if !on {
			dx.Data[i] = 0
		}
	}
	return dx, nil
}

// FlattenLayer collapses every dimension after the first.
type FlattenLayer struct {
	name  string
	shape []int
}

func NewFlatten(name string) *FlattenLayer { return &FlattenLayer{name: name} }

func (f *FlattenLayer) Type() LayerType          { return Flatten }
func (f *FlattenLayer) Name() string             { return f.name }
func (f *FlattenLayer) Parameters() []*Parameter { return nil }

func (f *FlattenLayer) Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error) {
	rows, cols := x.Rows()
	f.shape = nil
	if record {
		f.shape = append([]int(nil), x.Shape...)
	}
	return x.Reshape(rows, cols)
}

func (f *FlattenLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if f.shape == nil {
		return nil, fmt.Errorf("%s: %w", f.name, ErrNoForward)
	}
	return gradOut.Reshape(f.shape...)
}

// AvgPoolLayer is an adaptive average pool from [N,C,H,W] to [N,C,S,S].
// Bin boundaries follow floor(i*H/S) .. ceil((i+1)*H/S).
type AvgPoolLayer struct {
	name  string
	size  int
	shape []int
}

func NewAdaptiveAvgPool(name string, size int) *AvgPoolLayer {
	return &AvgPoolLayer{name: name, size: size}
}

func (p *AvgPoolLayer) Type() LayerType          { return AdaptiveAvgPool2D }
func (p *AvgPoolLayer) Name() string             { return p.name }
func (p *AvgPoolLayer) Parameters() []*Parameter { return nil }

func binRange(i, in, out int) (int, int) {
	start := (i * in) / out
	end := ((i+1)*in + out - 1) / out
	return start, end
}

func (p *AvgPoolLayer) Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected [N C H W] input, got %v", p.name, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	s := p.size
	if h < s || w < s {
		return nil, fmt.Errorf("%s: input %dx%d smaller than pool output %dx%d", p.name, h, w, s, s)
	}
	y := tensor.Zeros(n, c, s, s)
	y.Device = x.Device
	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := y.Data[plane*s*s : (plane+1)*s*s]
		for oy := 0; oy < s; oy++ {
			y0, y1 := binRange(oy, h, s)
			for ox := 0; ox < s; ox++ {
				x0, x1 := binRange(ox, w, s)
				var sum float64
				for iy := y0; iy < y1; iy++ {
					sum += floats.Sum(src[iy*w+x0 : iy*w+x1])
				}
				dst[oy*s+ox] = sum / float64((y1-y0)*(x1-x0))
			}
		}
	}
	p.shape = nil
	if record {
		p.shape = append([]int(nil), x.Shape...)
	}
	return y, nil
}

func (p *AvgPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.shape == nil {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNoForward)
	}
	n, c, h, w := p.shape[0], p.shape[1], p.shape[2], p.shape[3]
	s := p.size
	if len(gradOut.Data) != n*c*s*s {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", p.name, len(gradOut.Data), n*c*s*s)
	}
	dx := tensor.Zeros(p.shape...)
	dx.Device = gradOut.Device
	for plane := 0; plane < n*c; plane++ {
		g := gradOut.Data[plane*s*s : (plane+1)*s*s]
		dst := dx.Data[plane*h*w : (plane+1)*h*w]
		for oy := 0; oy < s; oy++ {
			y0, y1 := binRange(oy, h, s)
			for ox := 0; ox < s; ox++ {
				x0, x1 := binRange(ox, w, s)
				share := g[oy*s+ox] / float64((y1-y0)*(x1-x0))
				for iy := y0; iy < y1; iy++ {
					for ix := x0; ix < x1; ix++ {
						dst[iy*w+ix] += share
					}
				}
			}
		}
	}
	return dx, nil
}

// DropoutLayer zeroes activations with probability p in training mode and
// rescales the survivors; it is the identity in evaluation mode.
type DropoutLayer struct {
	name  string
	p     float64
	rng   *rand.Rand
	scale []float64
}

func NewDropout(name string, p float64, rng *rand.Rand) *DropoutLayer {
	return &DropoutLayer{name: name, p: p, rng: rng}
}

func (d *DropoutLayer) Type() LayerType          { return Dropout }
func (d *DropoutLayer) Name() string             { return d.name }
func (d *DropoutLayer) Parameters() []*Parameter { return nil }

func (d *DropoutLayer) Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error) {
	y := x.Clone()
	scale := make([]float64, len(y.Data))
	if training && d.p > 0 {
		keep := 1 / (1 - d.p)
		for i := range scale {
			if d.rng.Float64() >= d.p {
				scale[i] = keep
			}
		}
		floats.Mul(y.Data, scale)
	} else {
		for i := range scale {
			scale[i] = 1
		}
	}
	d.scale = nil
	if record {
		d.scale = scale
	}
	return y, nil
}

func (d *DropoutLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.scale == nil {
		return nil, fmt.Errorf("%s: %w", d.name, ErrNoForward)
	}
	if len(gradOut.Data) != len(d.scale) {
		return nil, fmt.Errorf("%s: gradient has %d elements, expected %d", d.name, len(gradOut.Data), len(d.scale))
	}
	dx := gradOut.Clone()
	floats.Mul(dx.Data, d.scale)
	return dx, nil
}

// Sequential chains layers.
type Sequential struct {
	name   string
	Layers []Layer
}

func NewSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{name: name, Layers: layers}
}

func (s *Sequential) Name() string { return s.name }

func (s *Sequential) Forward(x *tensor.Tensor, training, record bool) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.Layers {
		if x, err = l.Forward(x, training, record); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if grad, err = s.Layers[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}
