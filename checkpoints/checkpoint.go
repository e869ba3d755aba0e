package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/category-trainer/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension, without the dot, used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatONNX:
		return "onnx"
	default:
		return "json"
	}
}

// ParseFormat maps a format name ("json", "onnx") to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return FormatJSON, fmt.Errorf("unsupported checkpoint format: %q", name)
	}
}

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

const (
	frameworkName    = "category-trainer"
	frameworkVersion = "1.0.0"
)

// Checkpoint is a serialized snapshot of model parameters plus the training
// context in which it was produced. StateDict is the only required part.
type Checkpoint struct {
	StateDict map[string]WeightTensor `json:"state_dict"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Group string    `json:"group,omitempty"` // "finetune" or "fresh"
}

// TrainingState captures where training stood when the checkpoint was taken.
type TrainingState struct {
	Epoch         int                `json:"epoch"`
	Step          int                `json:"step"`
	LearningRates map[string]float64 `json:"learning_rates,omitempty"`
	BestLoss      float64            `json:"best_loss"`
	TrainLoss     float64            `json:"train_loss"`
	ValidLoss     float64            `json:"valid_loss"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "exp_avg", "exp_avg_sq"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// FromStateDict converts named tensors into checkpoint weights. groups maps
// parameter names to their group tag and may be nil.
func FromStateDict(sd map[string]*tensor.Tensor, groups map[string]string) map[string]WeightTensor {
	out := make(map[string]WeightTensor, len(sd))
	for name, t := range sd {
		data := make([]float64, len(t.Data))
		copy(data, t.Data)
		out[name] = WeightTensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  data,
			Group: groups[name],
		}
	}
	return out
}

// ToStateDict converts checkpoint weights back into tensors.
func (c *Checkpoint) ToStateDict() (map[string]*tensor.Tensor, error) {
	if c.StateDict == nil {
		return nil, fmt.Errorf("checkpoint has no state_dict")
	}
	sd := make(map[string]*tensor.Tensor, len(c.StateDict))
	for name, w := range c.StateDict {
		t, err := tensor.NewTensor(w.Shape, append([]float64(nil), w.Data...))
		if err != nil {
			return nil, fmt.Errorf("state_dict entry %s: %v", name, err)
		}
		sd[name] = t
	}
	return sd, nil
}

// Names returns the state dict keys in sorted order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.StateDict))
	for name := range c.StateDict {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path builds the deterministic checkpoint location for a run:
// <dir>/<prefix>_lr_<lrFinetune>_<lrFresh>.<ext>.
func Path(dir, prefix string, lrFinetune, lrFresh float64, format CheckpointFormat) string {
	name := fmt.Sprintf("%s_lr_%s_%s.%s", prefix,
		strconv.FormatFloat(lrFinetune, 'g', -1, 64),
		strconv.FormatFloat(lrFresh, 'g', -1, 64),
		format.Extension())
	return filepath.Join(dir, name)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a checkpoint, replacing any existing file. Training
// saves through SaveIfAbsent; this is for tooling that converts or rewrites
// checkpoints and for building fixtures.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if err := cs.encode(checkpoint, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveIfAbsent writes a checkpoint only when nothing exists at path. It
// reports whether a file was written; an existing file is not an error and
// is left untouched. The data is staged in a temporary file and linked into
// place so a concurrent or interrupted writer never leaves a partial file.
func (cs *CheckpointSaver) SaveIfAbsent(checkpoint *Checkpoint, path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat checkpoint path: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temporary checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := cs.encode(checkpoint, tmp); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close checkpoint: %w", err)
	}

	return placeFile(tmp.Name(), path)
}

// linkFile is replaced in tests to simulate filesystems without hard links.
var linkFile = os.Link

// placeFile publishes the staged file at path without replacing anything
// already there. Filesystems that cannot hard-link get an exclusive create
// and a copy instead.
func placeFile(staged, path string) (bool, error) {
	err := linkFile(staged, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to place checkpoint: %w", err)
	}
	src, err := os.Open(staged)
	if err != nil {
		dst.Close()
		os.Remove(path)
		return false, fmt.Errorf("failed to reopen staged checkpoint: %w", err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return false, fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(path)
		return false, fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("failed to close checkpoint: %w", err)
	}
	return true, nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	switch cs.format {
	case FormatJSON:
		return decodeJSON(file)
	case FormatONNX:
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		return NewONNXImporter().Import(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load opens a checkpoint, choosing the format from the file extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatFromPath(path)).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) encode(checkpoint *Checkpoint, w io.Writer) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	case FormatONNX:
		data, err := NewONNXExporter().Export(checkpoint)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write ONNX checkpoint: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func decodeJSON(r io.Reader) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if checkpoint.StateDict == nil {
		return nil, fmt.Errorf("failed to decode checkpoint: missing state_dict")
	}
	return &checkpoint, nil
}
