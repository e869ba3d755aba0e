package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/tsawler/category-trainer/device"
)

// Validator evaluates a model over a full pass of the validation set.
type Validator struct {
	Logger logr.Logger
	Device *device.Context

	// Progress, when set, receives a progress bar per validation pass.
	Progress io.Writer
}

// NewValidator creates a validator.
func NewValidator(logger logr.Logger, dev *device.Context) *Validator {
	return &Validator{Logger: logger, Device: dev}
}

// Run computes the average loss and top-1 accuracy of model on loader. The
// model runs in evaluation mode without gradient tracking; its previous
// mode is restored before Run returns and its parameters are never written.
func (v *Validator) Run(ctx context.Context, epoch int, model Module, loader Loader, criterion Loss) (EpochSummary, error) {
	var summary EpochSummary
	err := WithEval(model, func() error {
		var err error
		summary, err = v.run(ctx, epoch, model, loader, criterion)
		return err
	})
	if err != nil {
		return EpochSummary{}, err
	}
	v.Logger.Info("validation",
		"epoch", epoch,
		"time", summary.Duration.Seconds(),
		"loss", summary.Loss,
		"accuracy", summary.Accuracy,
		"macroF1", summary.MacroF1)
	return summary, nil
}

func (v *Validator) run(ctx context.Context, epoch int, model Module, loader Loader, criterion Loss) (EpochSummary, error) {
	var lossMeter, accMeter AverageMeter
	var cm *ConfusionMatrix

	loader.Reset()
	bar := NewProgressBar(v.Progress, fmt.Sprintf("Epoch %d (Validation)", epoch), loader.Len())
	start := time.Now()
	step := 0
	for {
		if err := ctx.Err(); err != nil {
			return EpochSummary{}, err
		}
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EpochSummary{}, fmt.Errorf("validation batch %d: loading failed: %w", step, err)
		}

		output, err := model.Forward(v.Device.Place(batch.Images))
		if err != nil {
			return EpochSummary{}, fmt.Errorf("validation batch %d: forward pass failed: %w", step, err)
		}
		loss, err := criterion.Forward(output, batch.Labels)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("validation batch %d: loss computation failed: %w", step, err)
		}

		if cm == nil {
			_, classes := output.Rows()
			cm = NewConfusionMatrix(classes)
		}
		if err := cm.Update(output, batch.Labels); err != nil {
			return EpochSummary{}, fmt.Errorf("validation batch %d: %w", step, err)
		}

		n := len(batch.Labels)
		lossMeter.Update(loss, 1)
		accMeter.Update(float64(CountCorrect(output, batch.Labels))/float64(n), n)
		step++
		bar.Update(step, map[string]float64{"loss": lossMeter.Avg, "acc": accMeter.Avg})
	}
	bar.Finish()

	summary := EpochSummary{
		Epoch:    epoch,
		Loss:     lossMeter.Avg,
		Accuracy: accMeter.Avg,
		Samples:  accMeter.Count,
		Batches:  step,
		Duration: time.Since(start),
	}
	if cm != nil {
		summary.MacroF1 = cm.GetMetric(MacroF1)
	}
	return summary, nil
}
