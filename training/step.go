package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/category-trainer/device"
	"github.com/tsawler/category-trainer/optimizer"
	"github.com/tsawler/category-trainer/vision/dataloader"
)

var ErrNonFiniteLoss = errors.New("non-finite loss")

// StepResult is the outcome of one optimization step.
type StepResult struct {
	Loss     float64
	Correct  int
	Samples  int
	GradNorm float64 // global gradient norm before clipping
}

// TrainStep performs forward, loss, backward, gradient clipping, the
// optimizer update and gradient reset for one batch. A NaN or infinite loss
// aborts the step before any parameter is touched.
func TrainStep(dev *device.Context, model Module, batch *dataloader.Batch, criterion Loss, opt optimizer.Optimizer, maxNorm float64) (StepResult, error) {
	input := dev.Place(batch.Images)

	output, err := model.Forward(input)
	if err != nil {
		return StepResult{}, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, err := criterion.Forward(output, batch.Labels)
	if err != nil {
		return StepResult{}, fmt.Errorf("loss computation failed: %w", err)
	}
	if !isFinite(loss) {
		return StepResult{}, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}

	grad, err := criterion.Backward(output, batch.Labels)
	if err != nil {
		return StepResult{}, fmt.Errorf("loss gradient failed: %w", err)
	}
	if err := model.Backward(grad); err != nil {
		return StepResult{}, fmt.Errorf("backward pass failed: %w", err)
	}

	norm := optimizer.ClipGradNorm(model.Parameters(), maxNorm)

	if err := opt.Step(); err != nil {
		return StepResult{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	opt.ZeroGrad()

	return StepResult{
		Loss:     loss,
		Correct:  CountCorrect(output, batch.Labels),
		Samples:  len(batch.Labels),
		GradNorm: norm,
	}, nil
}
