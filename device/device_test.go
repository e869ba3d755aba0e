package device

import (
	"strings"
	"testing"

	"github.com/tsawler/category-trainer/tensor"
)

func TestParse(t *testing.T) {
	tests := []struct {
		id       string
		index    int
		fallback bool
		wantErr  bool
	}{
		{"", 0, false, false},
		{"cpu", 0, false, false},
		{"CPU", 0, false, false},
		{"1", 1, true, false},
		{"cuda", 0, true, false},
		{"cuda:2", 2, true, false},
		{"cuda:x", 0, false, true},
		{"-1", 0, false, true},
		{"tpu", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			ctx, err := Parse(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.id)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ctx.Index != tt.index {
				t.Errorf("Index = %d, expected %d", ctx.Index, tt.index)
			}
			if ctx.Fallback != tt.fallback {
				t.Errorf("Fallback = %v, expected %v", ctx.Fallback, tt.fallback)
			}
			if ctx.Kind != tensor.CPU {
				t.Errorf("Kind = %s, expected CPU without an accelerator backend", ctx.Kind)
			}
		})
	}
}

func TestParseWithAccelerator(t *testing.T) {
	orig := CUDAAvailable
	CUDAAvailable = func() bool { return true }
	defer func() { CUDAAvailable = orig }()

	ctx, err := Parse("cuda:3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ctx.Kind != tensor.CUDA || ctx.Name() != "cuda:3" {
		t.Errorf("Got %s (%s), expected cuda:3", ctx.Name(), ctx.Kind)
	}
}

func TestPlaceTagsTensor(t *testing.T) {
	ctx, _ := Parse("cpu")
	x := tensor.Zeros(2, 2)
	x.Device = tensor.CUDA
	if got := ctx.Place(x); got != x || got.Device != tensor.CPU {
		t.Errorf("Place did not tag tensor in place: %v", got)
	}
	if ctx.Place(nil) != nil {
		t.Error("Place(nil) should return nil")
	}
}

func TestDescribe(t *testing.T) {
	ctx, _ := Parse("cpu")
	d := ctx.Describe()
	if !strings.HasPrefix(d, "cpu (") {
		t.Errorf("Describe() = %q", d)
	}
	if DefaultWorkers() < 1 {
		t.Error("DefaultWorkers should be at least 1")
	}
}
