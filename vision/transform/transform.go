// Package transform converts decoded images into model input tensors. The
// training pipeline resizes, pads, randomly crops and flips; the validation
// pipeline only resizes.
package transform

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"sync"

	"golang.org/x/image/draw"

	"github.com/tsawler/category-trainer/tensor"
)

// Transform maps one image to another.
type Transform interface {
	Apply(img image.Image) (image.Image, error)
	Name() string
}

// Rand is a seeded random source safe for use by concurrent loader workers.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand creates a source seeded with seed.
func NewRand(seed int64) *Rand {
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

// Intn returns a value in [0, n).
func (r *Rand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Intn(n)
}

// Float64 returns a value in [0, 1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Float64()
}

// Resize scales an image to exactly Width x Height.
type Resize struct {
	Width, Height int
}

func (t Resize) Name() string { return fmt.Sprintf("Resize(%d, %d)", t.Height, t.Width) }

func (t Resize) Apply(img image.Image) (image.Image, error) {
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("resize: invalid size %dx%d", t.Width, t.Height)
	}
	b := img.Bounds()
	if b.Dx() == t.Width && b.Dy() == t.Height {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	draw.CatmullRom.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	return dst, nil
}

// Pad adds a constant black border of Pixels on every side.
type Pad struct {
	Pixels int
}

func (t Pad) Name() string { return fmt.Sprintf("Pad(%d)", t.Pixels) }

func (t Pad) Apply(img image.Image) (image.Image, error) {
	if t.Pixels < 0 {
		return nil, fmt.Errorf("pad: negative padding %d", t.Pixels)
	}
	if t.Pixels == 0 {
		return img, nil
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()+2*t.Pixels, b.Dy()+2*t.Pixels))
	draw.Draw(dst, dst.Rect, image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(t.Pixels, t.Pixels, t.Pixels+b.Dx(), t.Pixels+b.Dy()), img, b.Min, draw.Src)
	return dst, nil
}

// RandomCrop cuts a Width x Height window at a uniformly random offset.
type RandomCrop struct {
	Width, Height int
	Rand          *Rand
}

func (t RandomCrop) Name() string { return fmt.Sprintf("RandomCrop(%d, %d)", t.Height, t.Width) }

func (t RandomCrop) Apply(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() < t.Width || b.Dy() < t.Height {
		return nil, fmt.Errorf("random crop: %dx%d image smaller than %dx%d", b.Dx(), b.Dy(), t.Width, t.Height)
	}
	x := b.Min.X + t.Rand.Intn(b.Dx()-t.Width+1)
	y := b.Min.Y + t.Rand.Intn(b.Dy()-t.Height+1)
	dst := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	draw.Draw(dst, dst.Rect, img, image.Pt(x, y), draw.Src)
	return dst, nil
}

// RandomHorizontalFlip mirrors the image left to right with probability P.
type RandomHorizontalFlip struct {
	P    float64
	Rand *Rand
}

func (t RandomHorizontalFlip) Name() string { return fmt.Sprintf("RandomHorizontalFlip(p=%v)", t.P) }

func (t RandomHorizontalFlip) Apply(img image.Image) (image.Image, error) {
	if t.Rand.Float64() >= t.P {
		return img, nil
	}
	return FlipHorizontal(img), nil
}

// FlipHorizontal returns a mirrored copy of img.
func FlipHorizontal(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// ToTensor converts an image to a [3 H W] tensor with values in [0, 1].
func ToTensor(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := tensor.Zeros(3, h, w)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*w + x
			out.Data[idx] = float64(r) / 65535.0
			out.Data[plane+idx] = float64(g) / 65535.0
			out.Data[2*plane+idx] = float64(bl) / 65535.0
		}
	}
	return out
}

// Pipeline applies Steps in order and converts the result to a tensor.
type Pipeline struct {
	Steps []Transform
}

// Process runs the pipeline on img.
func (p *Pipeline) Process(img image.Image) (*tensor.Tensor, error) {
	var err error
	for _, step := range p.Steps {
		img, err = step.Apply(img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}
	return ToTensor(img), nil
}

// String lists the pipeline steps.
func (p *Pipeline) String() string {
	s := "Compose("
	for i, step := range p.Steps {
		if i > 0 {
			s += ", "
		}
		s += step.Name()
	}
	return s + ", ToTensor())"
}

// TrainPipeline is Resize, Pad(10), RandomCrop back to size, and a random
// horizontal flip with probability 0.5.
func TrainPipeline(height, width int, rng *Rand) *Pipeline {
	return &Pipeline{Steps: []Transform{
		Resize{Width: width, Height: height},
		Pad{Pixels: 10},
		RandomCrop{Width: width, Height: height, Rand: rng},
		RandomHorizontalFlip{P: 0.5, Rand: rng},
	}}
}

// ValidPipeline only resizes.
func ValidPipeline(height, width int) *Pipeline {
	return &Pipeline{Steps: []Transform{
		Resize{Width: width, Height: height},
	}}
}
