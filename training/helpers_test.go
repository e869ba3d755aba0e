package training

import (
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/tsawler/category-trainer/layers"
	"github.com/tsawler/category-trainer/optimizer"
	"github.com/tsawler/category-trainer/tensor"
	"github.com/tsawler/category-trainer/vision/dataloader"
)

const testClasses = 3

// sliceLoader replays a fixed list of batches on every pass.
type sliceLoader struct {
	batches []*dataloader.Batch
	pos     int
	resets  int
	failAt  int // batch index that returns failErr; -1 disables
	failErr error
}

func newSliceLoader(batches []*dataloader.Batch) *sliceLoader {
	return &sliceLoader{batches: batches, failAt: -1}
}

func (l *sliceLoader) Len() int { return len(l.batches) }
func (l *sliceLoader) Reset()   { l.pos = 0; l.resets++ }

func (l *sliceLoader) Next() (*dataloader.Batch, error) {
	if l.pos == l.failAt {
		return nil, l.failErr
	}
	if l.pos >= len(l.batches) {
		return nil, io.EOF
	}
	b := l.batches[l.pos]
	l.pos++
	return b, nil
}

func randomBatches(seed int64, n, size int) []*dataloader.Batch {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*dataloader.Batch, n)
	for i := range out {
		labels := make([]int32, size)
		for j := range labels {
			labels[j] = int32(rng.Intn(testClasses))
		}
		out[i] = &dataloader.Batch{
			Images: tensor.Uniform(rng, 1, size, 1, 4, 4),
			Labels: labels,
		}
	}
	return out
}

func testModelSeed(t *testing.T, seed int64) *layers.CategoryModel {
	t.Helper()
	m, err := layers.NewCategoryModel(layers.ModelConfig{
		Channels:    1,
		FeatureGrid: 2,
		Hidden:      4,
		NumClasses:  testClasses,
		Dropout:     0.25,
		Seed:        seed,
	})
	if err != nil {
		t.Fatalf("NewCategoryModel failed: %v", err)
	}
	return m
}

func testModel(t *testing.T) *layers.CategoryModel { return testModelSeed(t, 5) }

func testOptimizer(t *testing.T, model Module, name string, lrFt, lrNew float64) optimizer.Optimizer {
	t.Helper()
	groups, err := optimizer.NewParamGroups(model.Parameters(), map[string]float64{
		layers.GroupFinetune: lrFt,
		layers.GroupFresh:    lrNew,
	})
	if err != nil {
		t.Fatalf("NewParamGroups failed: %v", err)
	}
	opt, err := optimizer.New(name, groups, 0, 0)
	if err != nil {
		t.Fatalf("optimizer.New failed: %v", err)
	}
	return opt
}

// logCapture records structured log lines emitted through funcr.
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]interface{}
}

func newLogCapture(t *testing.T) (logr.Logger, *logCapture) {
	c := &logCapture{}
	logger := funcr.NewJSON(func(obj string) {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(obj), &entry); err != nil {
			t.Errorf("Log line is not JSON: %s", obj)
			return
		}
		c.mu.Lock()
		c.entries = append(c.entries, entry)
		c.mu.Unlock()
	}, funcr.Options{})
	return logger, c
}

// messages returns the msg field of every entry whose message is in keep,
// or of every entry when keep is empty.
func (c *logCapture) messages(keep ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.entries {
		msg, _ := e["msg"].(string)
		if len(keep) == 0 {
			out = append(out, msg)
			continue
		}
		for _, k := range keep {
			if msg == k {
				out = append(out, msg)
				break
			}
		}
	}
	return out
}

func (c *logCapture) find(msg string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range c.entries {
		if e["msg"] == msg {
			out = append(out, e)
		}
	}
	return out
}

func stateDictEqual(a, b map[string]*tensor.Tensor) bool {
	if len(a) != len(b) {
		return false
	}
	for name, v := range a {
		if !v.Equal(b[name]) {
			return false
		}
	}
	return true
}

func logrDiscard() logr.Logger { return logr.Discard() }
