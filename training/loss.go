package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/category-trainer/tensor"
)

var ErrLabelRange = errors.New("label out of range")

// Loss interface defines methods that all loss functions must implement.
// Logits are [N classes]; labels hold one class index per row.
type Loss interface {
	Forward(logits *tensor.Tensor, labels []int32) (float64, error)
	Backward(logits *tensor.Tensor, labels []int32) (*tensor.Tensor, error)
}

// CrossEntropyLoss is softmax cross-entropy averaged over the batch.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross-entropy criterion
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func (ce *CrossEntropyLoss) check(logits *tensor.Tensor, labels []int32) (int, int, error) {
	if len(logits.Shape) != 2 {
		return 0, 0, fmt.Errorf("cross entropy expects 2D logits, got shape %v", logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return 0, 0, fmt.Errorf("batch size mismatch: logits %d, labels %d", n, len(labels))
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("cross entropy on an empty batch")
	}
	for i, l := range labels {
		if l < 0 || int(l) >= classes {
			return 0, 0, fmt.Errorf("%w: sample %d has label %d, model has %d classes", ErrLabelRange, i, l, classes)
		}
	}
	return n, classes, nil
}

// logSoftmaxRow writes log-softmax of row into out using the max-shift trick.
func logSoftmaxRow(row, out []float64) {
	maxVal := math.Inf(-1)
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(v - maxVal)
	}
	lse := maxVal + math.Log(sum)
	for j, v := range row {
		out[j] = v - lse
	}
}

// Forward computes the mean negative log-likelihood of the true classes.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int32) (float64, error) {
	n, classes, err := ce.check(logits, labels)
	if err != nil {
		return 0, err
	}
	logp := make([]float64, classes)
	var total float64
	for i := 0; i < n; i++ {
		logSoftmaxRow(logits.Data[i*classes:(i+1)*classes], logp)
		total -= logp[labels[i]]
	}
	return total / float64(n), nil
}

// Backward returns d(loss)/d(logits) = (softmax - onehot) / N.
func (ce *CrossEntropyLoss) Backward(logits *tensor.Tensor, labels []int32) (*tensor.Tensor, error) {
	n, classes, err := ce.check(logits, labels)
	if err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(logits)
	scale := 1 / float64(n)
	for i := 0; i < n; i++ {
		row := grad.Data[i*classes : (i+1)*classes]
		logSoftmaxRow(logits.Data[i*classes:(i+1)*classes], row)
		for j := range row {
			row[j] = math.Exp(row[j]) * scale
		}
		row[labels[i]] -= scale
	}
	return grad, nil
}

// CountCorrect returns how many rows of logits have their top-1 class equal
// to the label.
func CountCorrect(logits *tensor.Tensor, labels []int32) int {
	correct := 0
	for i, pred := range logits.ArgMaxRows() {
		if i < len(labels) && int32(pred) == labels[i] {
			correct++
		}
	}
	return correct
}
