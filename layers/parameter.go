package layers

import (
	"errors"
	"fmt"

	"github.com/tsawler/category-trainer/tensor"
)

// Parameter groups. Every trainable parameter is tagged with exactly one of
// these when its layer is constructed; the tag never changes afterwards.
const (
	GroupFinetune = "finetune" // pretrained backbone
	GroupFresh    = "fresh"    // newly initialised head
)

// Groups lists the parameter groups in optimizer order.
var Groups = []string{GroupFinetune, GroupFresh}

var (
	ErrUnknownGroup   = errors.New("unknown parameter group")
	ErrDuplicateParam = errors.New("duplicate parameter name")
	ErrEmptyGroup     = errors.New("empty parameter group")
)

// Parameter is a named trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Group string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// NewParameter creates a parameter with a zeroed gradient buffer.
func NewParameter(name, group string, value *tensor.Tensor) *Parameter {
	return &Parameter{
		Name:  name,
		Group: group,
		Value: value,
		Grad:  tensor.ZerosLike(value),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// Partition splits params by group, checking that every parameter carries a
// known group, names are unique and both groups are populated.
func Partition(params []*Parameter) (map[string][]*Parameter, error) {
	seen := make(map[string]bool, len(params))
	out := make(map[string][]*Parameter, len(Groups))
	for _, p := range params {
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParam, p.Name)
		}
		seen[p.Name] = true
		switch p.Group {
		case GroupFinetune, GroupFresh:
			out[p.Group] = append(out[p.Group], p)
		default:
			return nil, fmt.Errorf("%w %q on %s", ErrUnknownGroup, p.Group, p.Name)
		}
	}
	for _, g := range Groups {
		if len(out[g]) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyGroup, g)
		}
	}
	return out, nil
}
