package dataloader

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/tsawler/category-trainer/tensor"
	"github.com/tsawler/category-trainer/vision/dataset"
)

// MockDataset implements dataset.Dataset for testing. Each image holds its
// own index so ordering can be checked after stacking.
type MockDataset struct {
	n       int
	failAt  int
	loads   atomic.Int64
	classes int
}

func NewMockDataset(n int) *MockDataset {
	return &MockDataset{n: n, failAt: -1, classes: 3}
}

func (md *MockDataset) Len() int { return md.n }

func (md *MockDataset) Item(index int) (dataset.Sample, error) {
	md.loads.Add(1)
	if index == md.failAt {
		return dataset.Sample{}, fmt.Errorf("corrupt image %d", index)
	}
	img, _ := tensor.NewTensor([]int{1, 1, 1}, []float64{float64(index)})
	return dataset.Sample{Image: img, Label: index % md.classes, ID: fmt.Sprintf("image_%d.jpg", index)}, nil
}

func drain(t *testing.T, dl *DataLoader) [][]int {
	t.Helper()
	var out [][]int
	for {
		b, err := dl.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		var ids []int
		for i, v := range b.Images.Data {
			ids = append(ids, int(v))
			if int(b.Labels[i]) != int(v)%3 {
				t.Errorf("Label %d does not belong to item %d", b.Labels[i], int(v))
			}
		}
		out = append(out, ids)
	}
}

func TestNewDataLoader(t *testing.T) {
	if _, err := NewDataLoader(NewMockDataset(10), Config{BatchSize: 0}); err == nil {
		t.Error("Expected error for zero batch size")
	}
	if _, err := NewDataLoader(NewMockDataset(0), Config{BatchSize: 2}); err == nil {
		t.Error("Expected error for empty dataset")
	}

	tests := []struct {
		n, bs    int
		dropLast bool
		expected int
	}{
		{10, 3, false, 4},
		{10, 3, true, 3},
		{9, 3, false, 3},
		{2, 8, false, 1},
	}
	for _, tt := range tests {
		dl, err := NewDataLoader(NewMockDataset(tt.n), Config{BatchSize: tt.bs, DropLast: tt.dropLast})
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		if dl.Len() != tt.expected {
			t.Errorf("n=%d bs=%d dropLast=%v: Len() = %d, expected %d", tt.n, tt.bs, tt.dropLast, dl.Len(), tt.expected)
		}
	}
}

func TestSequentialOrder(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(10), Config{BatchSize: 4, NumWorkers: 4})
	defer dl.Close()

	batches := drain(t, dl)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	next := 0
	for _, b := range batches {
		for _, id := range b {
			if id != next {
				t.Fatalf("Expected item %d, got %d", next, id)
			}
			next++
		}
	}
	if len(batches[2]) != 2 {
		t.Errorf("Last batch should hold 2 items, got %d", len(batches[2]))
	}

	// A second pass without Reset stays exhausted.
	if _, err := dl.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestShuffleIsSeededPerPass(t *testing.T) {
	newLoader := func() *DataLoader {
		dl, _ := NewDataLoader(NewMockDataset(20), Config{BatchSize: 5, Shuffle: true, Seed: 7, NumWorkers: 3})
		return dl
	}
	a, b := newLoader(), newLoader()
	defer a.Close()
	defer b.Close()

	a.Reset()
	b.Reset()
	first := drain(t, a)
	if fmt.Sprint(first) != fmt.Sprint(drain(t, b)) {
		t.Error("Same seed should give the same order")
	}

	a.Reset()
	second := drain(t, a)
	if fmt.Sprint(first) == fmt.Sprint(second) {
		t.Error("Consecutive passes should use different orders")
	}

	var seen []int
	for _, batch := range second {
		seen = append(seen, batch...)
	}
	sort.Ints(seen)
	for i, v := range seen {
		if v != i {
			t.Fatalf("Pass is not a permutation: %v", seen)
		}
	}
}

func TestItemErrorPropagates(t *testing.T) {
	ds := NewMockDataset(12)
	ds.failAt = 5
	dl, _ := NewDataLoader(ds, Config{BatchSize: 4, NumWorkers: 2})
	defer dl.Close()

	if _, err := dl.Next(); err != nil {
		t.Fatalf("First batch should load: %v", err)
	}
	if _, err := dl.Next(); err == nil {
		t.Fatal("Expected the corrupt item to fail the batch")
	}
	if _, err := dl.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Pass should end after an error, got %v", err)
	}

	dl.Reset()
	if _, err := dl.Next(); err != nil {
		t.Errorf("Reset should start a fresh pass: %v", err)
	}
}

func TestResetMidPass(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(40), Config{BatchSize: 2, NumWorkers: 2, Prefetch: 2})
	defer dl.Close()

	dl.Next()
	dl.Reset()
	batches := drain(t, dl)
	if len(batches) != 20 {
		t.Errorf("Expected a full pass of 20 batches after Reset, got %d", len(batches))
	}
	if cur, total := dl.Progress(); cur != 20 || total != 20 {
		t.Errorf("Progress = %d/%d, expected 20/20", cur, total)
	}
}

func TestClose(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(8), Config{BatchSize: 2})
	dl.Next()
	if err := dl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := dl.Next(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestCollateShapeMismatch(t *testing.T) {
	samples := []dataset.Sample{
		{Image: tensor.Zeros(1, 2, 2), Label: 0},
		{Image: tensor.Zeros(1, 3, 3), Label: 1},
	}
	if _, err := Collate(samples); err == nil {
		t.Error("Expected error for mismatched image shapes")
	}
}
