package layers

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/tsawler/category-trainer/tensor"
)

var ErrStateDict = errors.New("state dict mismatch")

// ModelConfig describes a CategoryModel.
type ModelConfig struct {
	Channels    int     `json:"channels"`
	FeatureGrid int     `json:"feature_grid"` // pooled spatial size fed to the backbone
	Hidden      int     `json:"hidden"`
	NumClasses  int     `json:"num_classes"`
	Dropout     float64 `json:"dropout"`
	Seed        int64   `json:"seed"`
}

// DefaultModelConfig returns the classifier used by the category trainer.
func DefaultModelConfig(numClasses int) ModelConfig {
	return ModelConfig{
		Channels:    3,
		FeatureGrid: 16,
		Hidden:      256,
		NumClasses:  numClasses,
		Dropout:     0.2,
		Seed:        1,
	}
}

// CategoryModel is an image classifier built from a feature backbone, whose
// parameters form the finetune group, and a classification head, whose
// parameters form the fresh group.
type CategoryModel struct {
	Config   ModelConfig
	Backbone *Sequential
	Head     *Sequential

	training    bool
	gradEnabled bool
}

// NewCategoryModel builds and initialises a model.
func NewCategoryModel(cfg ModelConfig) (*CategoryModel, error) {
	if cfg.Channels <= 0 || cfg.FeatureGrid <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("invalid model config: %+v", cfg)
	}
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("invalid model config: need at least 2 classes, got %d", cfg.NumClasses)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("invalid model config: dropout %v outside [0, 1)", cfg.Dropout)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	features := cfg.Channels * cfg.FeatureGrid * cfg.FeatureGrid

	m := &CategoryModel{
		Config: cfg,
		Backbone: NewSequential("backbone",
			NewAdaptiveAvgPool("backbone.pool", cfg.FeatureGrid),
			NewFlatten("backbone.flatten"),
			NewLinear("backbone.fc", GroupFinetune, features, cfg.Hidden, rng),
			NewReLU("backbone.relu"),
		),
		Head: NewSequential("head",
			NewDropout("head.dropout", cfg.Dropout, rng),
			NewLinear("head.fc", GroupFresh, cfg.Hidden, cfg.NumClasses, rng),
		),
		training:    true,
		gradEnabled: true,
	}
	return m, nil
}

// Forward maps a [N C H W] batch to [N classes] logits.
func (m *CategoryModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	feat, err := m.Backbone.Forward(x, m.training, m.gradEnabled)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(feat, m.training, m.gradEnabled)
}

// Backward accumulates parameter gradients for the last recorded forward.
func (m *CategoryModel) Backward(gradOut *tensor.Tensor) error {
	if !m.gradEnabled {
		return fmt.Errorf("backward with gradient tracking disabled: %w", ErrNoForward)
	}
	g, err := m.Head.Backward(gradOut)
	if err != nil {
		return err
	}
	_, err = m.Backbone.Backward(g)
	return err
}

// Parameters returns backbone parameters followed by head parameters.
func (m *CategoryModel) Parameters() []*Parameter {
	return append(m.Backbone.Parameters(), m.Head.Parameters()...)
}

func (m *CategoryModel) Train()           { m.training = true }
func (m *CategoryModel) Eval()            { m.training = false }
func (m *CategoryModel) IsTraining() bool { return m.training }
func (m *CategoryModel) GradEnabled() bool { return m.gradEnabled }

// SetGradEnabled toggles activation recording and returns the previous value.
func (m *CategoryModel) SetGradEnabled(enabled bool) bool {
	prev := m.gradEnabled
	m.gradEnabled = enabled
	return prev
}

// StateDict returns a copy of every parameter keyed by name.
func (m *CategoryModel) StateDict() map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor)
	for _, p := range m.Parameters() {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadStateDict copies values into the model's parameters. Keys and shapes
// must match exactly.
func (m *CategoryModel) LoadStateDict(sd map[string]*tensor.Tensor) error {
	params := m.Parameters()
	var missing []string
	for _, p := range params {
		v, ok := sd[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !tensor.SameShape(p.Value, v) {
			return fmt.Errorf("%w: %s has shape %v, checkpoint has %v", ErrStateDict, p.Name, p.Value.Shape, v.Shape)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing keys %s", ErrStateDict, strings.Join(missing, ", "))
	}
	if len(sd) != len(params) {
		known := make(map[string]bool, len(params))
		for _, p := range params {
			known[p.Name] = true
		}
		var extra []string
		for k := range sd {
			if !known[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return fmt.Errorf("%w: unexpected keys %s", ErrStateDict, strings.Join(extra, ", "))
	}
	for _, p := range params {
		if err := p.Value.CopyFrom(sd[p.Name]); err != nil {
			return err
		}
	}
	return nil
}

// Summary renders a one-line-per-layer description of the model.
func (m *CategoryModel) Summary() string {
	var b strings.Builder
	total := 0
	for _, seq := range []*Sequential{m.Backbone, m.Head} {
		fmt.Fprintf(&b, "%s:\n", seq.Name())
		for _, l := range seq.Layers {
			count := 0
			for _, p := range l.Parameters() {
				count += len(p.Value.Data)
			}
			total += count
			group := ""
			if ps := l.Parameters(); len(ps) > 0 {
				group = " [" + ps[0].Group + "]"
			}
			fmt.Fprintf(&b, "  %-18s %-18s params=%d%s\n", l.Name(), l.Type(), count, group)
		}
	}
	fmt.Fprintf(&b, "total params: %d", total)
	return b.String()
}
