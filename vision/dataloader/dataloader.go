// Package dataloader groups dataset samples into batches. Items of a batch
// are loaded by a pool of workers and whole batches are prefetched on a
// background goroutine, but batches are always delivered in order.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/category-trainer/tensor"
	"github.com/tsawler/category-trainer/vision/dataset"
)

var ErrClosed = errors.New("dataloader closed")

// Batch is a stacked group of samples.
type Batch struct {
	Images *tensor.Tensor // [N C H W]
	Labels []int32
	IDs    []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64 // shuffle seed; pass p uses Seed+p
	NumWorkers int   // parallel item loads per batch
	Prefetch   int   // batches loaded ahead of the consumer
	DropLast   bool
}

type result struct {
	batch *Batch
	err   error
}

// DataLoader iterates a dataset in batches. Reset starts a new pass; Next
// returns io.EOF at the end of a pass.
type DataLoader struct {
	dataset dataset.Dataset
	config  Config

	mu       sync.Mutex
	indices  []int
	pass     int64
	position int
	closed   bool

	results chan result
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = config.NumWorkers
	}
	dl := &DataLoader{
		dataset: ds,
		config:  config,
		indices: make([]int, ds.Len()),
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	return dl, nil
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	n, bs := len(dl.indices), dl.config.BatchSize
	if dl.config.DropLast {
		return n / bs
	}
	return (n + bs - 1) / bs
}

// Reset stops any in-flight loading and rewinds to the start of a new pass,
// reshuffling when shuffling is enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.stopLocked()
	dl.position = 0
	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + dl.pass))
		rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	dl.pass++
}

// Next returns the next batch of the current pass. Loading errors are
// returned as they occur and end the pass.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	if dl.closed {
		dl.mu.Unlock()
		return nil, ErrClosed
	}
	if dl.results == nil {
		dl.startLocked()
	}
	ch := dl.results
	dl.mu.Unlock()

	r, ok := <-ch
	if !ok {
		return nil, io.EOF
	}
	if r.err != nil {
		return nil, r.err
	}
	dl.mu.Lock()
	dl.position++
	dl.mu.Unlock()
	return r.batch, nil
}

// Progress returns the batches delivered so far in this pass and the total.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, dl.Len()
}

// Close stops background loading. Next fails with ErrClosed afterwards.
func (dl *DataLoader) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.stopLocked()
	dl.closed = true
	return nil
}

func (dl *DataLoader) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	order := append([]int(nil), dl.indices...)
	ch := make(chan result, dl.config.Prefetch)
	done := make(chan struct{})
	dl.results, dl.cancel, dl.done = ch, cancel, done

	batches := dl.Len()
	bs := dl.config.BatchSize
	go func() {
		defer close(done)
		defer close(ch)
		for b := 0; b < batches; b++ {
			end := (b + 1) * bs
			if end > len(order) {
				end = len(order)
			}
			batch, err := dl.loadBatch(ctx, order[b*bs:end])
			select {
			case ch <- result{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (dl *DataLoader) stopLocked() {
	if dl.results == nil {
		return
	}
	dl.cancel()
	<-dl.done
	dl.results, dl.cancel, dl.done = nil, nil, nil
}

// loadBatch loads the samples at indices concurrently and stacks them.
func (dl *DataLoader) loadBatch(ctx context.Context, indices []int) (*Batch, error) {
	samples := make([]dataset.Sample, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := dl.dataset.Item(idx)
			if err != nil {
				return fmt.Errorf("item %d: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Collate(samples)
}

// Collate stacks samples into a batch. All images must share a shape.
func Collate(samples []dataset.Sample) (*Batch, error) {
	images := make([]*tensor.Tensor, len(samples))
	batch := &Batch{
		Labels: make([]int32, len(samples)),
		IDs:    make([]string, len(samples)),
	}
	for i, s := range samples {
		images[i] = s.Image
		batch.Labels[i] = int32(s.Label)
		batch.IDs[i] = s.ID
	}
	stacked, err := tensor.Stack(images)
	if err != nil {
		return nil, fmt.Errorf("collate: %w", err)
	}
	batch.Images = stacked
	return batch, nil
}
