package training

import (
	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/tensor"
	"github.com/tsawler/category-trainer/vision/dataloader"
)

// Module is the model contract the training loop drives.
// layers.CategoryModel implements it.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*layers.Parameter

	Train()
	Eval()
	IsTraining() bool

	// SetGradEnabled toggles activation recording and returns the previous
	// setting.
	SetGradEnabled(enabled bool) bool
	GradEnabled() bool

	StateDict() map[string]*tensor.Tensor
	LoadStateDict(sd map[string]*tensor.Tensor) error
}

// Loader yields the batches of one pass over a dataset. Next returns io.EOF
// after the last batch; Reset starts a new pass (reshuffling if the loader
// shuffles).
type Loader interface {
	Len() int
	Reset()
	Next() (*dataloader.Batch, error)
}

// WithEval runs fn with model in evaluation mode and gradient tracking
// disabled. Both settings are restored when fn returns, including on error
// or panic.
func WithEval(model Module, fn func() error) error {
	wasTraining := model.IsTraining()
	prevGrad := model.SetGradEnabled(false)
	model.Eval()
	defer func() {
		model.SetGradEnabled(prevGrad)
		if wasTraining {
			model.Train()
		}
	}()
	return fn()
}
