// Package dataset provides indexable image classification datasets. Items
// are decoded on demand and passed through a transform pipeline, so a
// dataset is cheap to construct and safe to read from many goroutines.
package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/category-trainer/tensor"
)

// Sample is one transformed image with its class label.
type Sample struct {
	Image *tensor.Tensor
	Label int
	ID    string // source path
}

// Dataset is an indexable collection of samples. Item must be safe for
// concurrent use and return the same label and ID for an index every time.
type Dataset interface {
	Len() int
	Item(index int) (Sample, error)
}

// Classifier is implemented by datasets that know their class count.
type Classifier interface {
	NumClasses() int
}

// Processor turns a decoded image into a model input tensor.
// *transform.Pipeline implements it.
type Processor interface {
	Process(img image.Image) (*tensor.Tensor, error)
}

// ImageLoader decodes image files, optionally through an LRU cache of
// decoded images.
type ImageLoader struct {
	cache *ImageCache
}

// NewImageLoader creates a loader. cache may be nil.
func NewImageLoader(cache *ImageCache) *ImageLoader {
	return &ImageLoader{cache: cache}
}

// Load decodes the image at path.
func (l *ImageLoader) Load(path string) (image.Image, error) {
	if l != nil && l.cache != nil {
		if img, ok := l.cache.Get(path); ok {
			return img, nil
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	if l != nil && l.cache != nil {
		l.cache.Put(path, img)
	}
	return img, nil
}

// Cache returns the loader's cache, or nil.
func (l *ImageLoader) Cache() *ImageCache {
	if l == nil {
		return nil
	}
	return l.cache
}

// loadSample decodes path and runs it through p.
func loadSample(loader *ImageLoader, p Processor, path string, label int) (Sample, error) {
	img, err := loader.Load(path)
	if err != nil {
		return Sample{}, err
	}
	x, err := p.Process(img)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to transform %s: %w", path, err)
	}
	return Sample{Image: x, Label: label, ID: path}, nil
}

func checkIndex(index, n int) error {
	if index < 0 || index >= n {
		return fmt.Errorf("index %d out of range [0, %d)", index, n)
	}
	return nil
}

// ConcatDataset presents several datasets as one, in order.
type ConcatDataset struct {
	parts   []Dataset
	offsets []int // cumulative lengths
}

// Concat joins datasets end to end.
func Concat(parts ...Dataset) *ConcatDataset {
	c := &ConcatDataset{parts: parts}
	total := 0
	for _, p := range parts {
		total += p.Len()
		c.offsets = append(c.offsets, total)
	}
	return c
}

// Repeat concatenates n copies of ds. With a stochastic pipeline every copy
// yields a differently augmented view of the same image.
func Repeat(ds Dataset, n int) *ConcatDataset {
	parts := make([]Dataset, n)
	for i := range parts {
		parts[i] = ds
	}
	return Concat(parts...)
}

func (c *ConcatDataset) Len() int {
	if len(c.offsets) == 0 {
		return 0
	}
	return c.offsets[len(c.offsets)-1]
}

func (c *ConcatDataset) Item(index int) (Sample, error) {
	if err := checkIndex(index, c.Len()); err != nil {
		return Sample{}, err
	}
	start := 0
	for i, end := range c.offsets {
		if index < end {
			return c.parts[i].Item(index - start)
		}
		start = end
	}
	return Sample{}, fmt.Errorf("index %d not found", index)
}

// NumClasses returns the largest class count of the parts.
func (c *ConcatDataset) NumClasses() int {
	n := 0
	for _, p := range c.parts {
		if cl, ok := p.(Classifier); ok && cl.NumClasses() > n {
			n = cl.NumClasses()
		}
	}
	return n
}
