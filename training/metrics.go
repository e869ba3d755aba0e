package training

import (
	"fmt"

	"github.com/tsawler/category-trainer/tensor"
)

// MetricType represents the type of evaluation metric
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return "Unknown"
	}
}

// ConfusionMatrix counts predictions per true class for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds the top-1 predictions of a [N classes] logits batch.
func (cm *ConfusionMatrix) Update(logits *tensor.Tensor, labels []int32) error {
	rows, cols := logits.Rows()
	if cols != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, cols)
	}
	if len(labels) != rows {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", rows, len(labels))
	}
	for i, pred := range logits.ArgMaxRows() {
		trueClass := int(labels[i])
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("%w: %d", ErrLabelRange, trueClass)
		}
		cm.Matrix[trueClass][pred]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates an evaluation metric from the current counts.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macro(cm.precision)
	case MacroRecall:
		return cm.macro(cm.recall)
	case MacroF1:
		return cm.macro(func(c int) float64 {
			p, r := cm.precision(c), cm.recall(c)
			if p+r == 0 {
				return 0
			}
			return 2 * p * r / (p + r)
		})
	default:
		return 0.0
	}
}

// macro averages a per-class score over the classes that occur in the data
// or in the predictions.
func (cm *ConfusionMatrix) macro(score func(class int) float64) float64 {
	var sum float64
	seen := 0
	for c := 0; c < cm.NumClasses; c++ {
		if cm.rowSum(c) == 0 && cm.colSum(c) == 0 {
			continue
		}
		sum += score(c)
		seen++
	}
	if seen == 0 {
		return 0
	}
	return sum / float64(seen)
}

func (cm *ConfusionMatrix) precision(c int) float64 {
	if col := cm.colSum(c); col > 0 {
		return float64(cm.Matrix[c][c]) / float64(col)
	}
	return 0
}

func (cm *ConfusionMatrix) recall(c int) float64 {
	if row := cm.rowSum(c); row > 0 {
		return float64(cm.Matrix[c][c]) / float64(row)
	}
	return 0
}

func (cm *ConfusionMatrix) rowSum(c int) int {
	s := 0
	for _, v := range cm.Matrix[c] {
		s += v
	}
	return s
}

func (cm *ConfusionMatrix) colSum(c int) int {
	s := 0
	for r := range cm.Matrix {
		s += cm.Matrix[r][c]
	}
	return s
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
