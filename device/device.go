// Package device resolves the compute context a training run executes on.
// The context is selected once at start-up and handed to every component
// that touches batch data, so placement is never re-resolved ad hoc.
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/category-trainer/tensor"
)

// CUDAAvailable reports whether an accelerator backend is linked into the
// binary. This build computes on the host only.
var CUDAAvailable = func() bool { return false }

// Context is the selected compute device.
type Context struct {
	Requested string
	Kind      tensor.DeviceType
	Index     int
	Fallback  bool
}

// Parse resolves a device identifier. Accepted forms are "cpu", "cuda",
// "cuda:N" and a bare ordinal "N". An accelerator request falls back to the
// host when no backend is available.
func Parse(id string) (*Context, error) {
	id = strings.TrimSpace(strings.ToLower(id))
	ctx := &Context{Requested: id, Kind: tensor.CPU}
	if id == "" || id == "cpu" {
		return ctx, nil
	}

	ordinal := strings.TrimPrefix(id, "cuda")
	ordinal = strings.TrimPrefix(ordinal, ":")
	if ordinal != "" {
		n, err := strconv.Atoi(ordinal)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid device identifier %q", id)
		}
		ctx.Index = n
	}

	if CUDAAvailable() {
		ctx.Kind = tensor.CUDA
	} else {
		ctx.Fallback = true
	}
	return ctx, nil
}

// Place tags t as resident on the context's device and returns it.
func (c *Context) Place(t *tensor.Tensor) *tensor.Tensor {
	if t == nil {
		return nil
	}
	t.Device = c.Kind
	return t
}

// Name returns a torch-style device name such as "cpu" or "cuda:1".
func (c *Context) Name() string {
	if c.Kind == tensor.CUDA {
		return fmt.Sprintf("cuda:%d", c.Index)
	}
	return "cpu"
}

// DefaultWorkers is the number of loader workers to use when none is
// configured: the host's physical cores, at least one.
func DefaultWorkers() int {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// Describe summarises the host processor for start-up logging.
func (c *Context) Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	var simd []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "neon"},
	} {
		if cpuid.CPU.Supports(f.id) {
			simd = append(simd, f.name)
		}
	}
	features := "none"
	if len(simd) > 0 {
		features = strings.Join(simd, ",")
	}
	return fmt.Sprintf("%s (%s, %d logical cores, simd=%s)", c.Name(), brand, cpuid.CPU.LogicalCores, features)
}
