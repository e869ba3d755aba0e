package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/category-trainer/layers"
)

// DefaultMaxGradNorm is the global gradient-norm ceiling applied before
// every optimizer step.
const DefaultMaxGradNorm = 10.0

const clipEpsilon = 1e-6

// GlobalGradNorm returns the L2 norm of all gradients concatenated.
func GlobalGradNorm(params []*layers.Parameter) float64 {
	var sq float64
	for _, p := range params {
		sq += floats.Dot(p.Grad.Data, p.Grad.Data)
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales gradients in place so their global L2 norm does not
// exceed maxNorm, and returns the norm measured before clipping.
func ClipGradNorm(params []*layers.Parameter, maxNorm float64) float64 {
	total := GlobalGradNorm(params)
	coef := maxNorm / (total + clipEpsilon)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad.Data)
		}
	}
	return total
}
