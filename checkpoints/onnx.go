package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers used by the exporter. Parameters are stored as graph
// initializers (TensorProto, DOUBLE) so the archive can be opened by any
// ONNX reader; training context travels in metadata_props as JSON.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims       protowire.Number = 1
	tensorDataType   protowire.Number = 2
	tensorName       protowire.Number = 8
	tensorDoubleData protowire.Number = 10
	tensorDocString  protowire.Number = 12

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	onnxIRVersion  = 7
	onnxOpset      = 13
	onnxTypeDouble = 11
)

const (
	metaTrainingState  = "training_state"
	metaOptimizerState = "optimizer_state"
	metaCheckpoint     = "checkpoint_metadata"
	groupDocPrefix     = "group:"
)

// ONNXExporter writes checkpoints as ONNX weight archives.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// Export serializes the checkpoint to ONNX protobuf bytes.
func (oe *ONNXExporter) Export(checkpoint *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = appendString(b, modelProducerName, frameworkName)
	b = appendString(b, modelProducerVersion, frameworkVersion)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)
	b = appendMessage(b, modelOpsetImport, opset)

	var graph []byte
	graph = appendString(graph, graphName, "category-model")
	for _, name := range checkpoint.Names() {
		graph = appendMessage(graph, graphInitializer, oe.tensorProto(name, checkpoint.StateDict[name]))
	}
	b = appendMessage(b, modelGraph, graph)

	meta := map[string]interface{}{
		metaTrainingState: checkpoint.TrainingState,
		metaCheckpoint:    checkpoint.Metadata,
	}
	if checkpoint.OptimizerState != nil {
		meta[metaOptimizerState] = checkpoint.OptimizerState
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := json.Marshal(meta[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", k, err)
		}
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendString(entry, entryValue, string(value))
		b = appendMessage(b, modelMetadataProps, entry)
	}
	return b, nil
}

func (oe *ONNXExporter) tensorProto(name string, w WeightTensor) []byte {
	var b []byte
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxTypeDouble)
	b = appendString(b, tensorName, name)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, tensorDoubleData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	if w.Group != "" {
		b = appendString(b, tensorDocString, groupDocPrefix+w.Group)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ONNXImporter reads ONNX weight archives written by ONNXExporter, or any
// ONNX model whose initializers carry double data.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Import decodes ONNX protobuf bytes into a checkpoint.
func (oi *ONNXImporter) Import(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{StateDict: make(map[string]WeightTensor)}
	sawGraph := false

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			sawGraph = true
			return oi.readGraph(v, checkpoint)
		case num == modelMetadataProps && typ == protowire.BytesType:
			return oi.readMetadata(v, checkpoint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX checkpoint: %w", err)
	}
	if !sawGraph {
		return nil, fmt.Errorf("failed to decode ONNX checkpoint: no graph")
	}
	return checkpoint, nil
}

func (oi *ONNXImporter) readGraph(data []byte, checkpoint *Checkpoint) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		name, w, err := oi.readTensor(v)
		if err != nil {
			return err
		}
		checkpoint.StateDict[name] = w
		return nil
	})
}

func (oi *ONNXImporter) readTensor(data []byte) (string, WeightTensor, error) {
	var (
		name     string
		w        WeightTensor
		dataType uint64
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case tensorDims:
			dims, err := readVarints(typ, v)
			if err != nil {
				return err
			}
			for _, d := range dims {
				w.Shape = append(w.Shape, int(d))
			}
		case tensorDataType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			dataType = x
		case tensorName:
			name = string(v)
		case tensorDoubleData:
			vals, err := readFixed64s(typ, v)
			if err != nil {
				return err
			}
			for _, bits := range vals {
				w.Data = append(w.Data, math.Float64frombits(bits))
			}
		case tensorDocString:
			if doc := string(v); strings.HasPrefix(doc, groupDocPrefix) {
				w.Group = strings.TrimPrefix(doc, groupDocPrefix)
			}
		}
		return nil
	})
	if err != nil {
		return "", w, err
	}
	if name == "" {
		return "", w, fmt.Errorf("initializer without a name")
	}
	if dataType != onnxTypeDouble {
		return "", w, fmt.Errorf("initializer %s: unsupported data type %d", name, dataType)
	}
	return name, w, nil
}

func (oi *ONNXImporter) readMetadata(data []byte, checkpoint *Checkpoint) error {
	var key, value string
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case entryKey:
			key = string(v)
		case entryValue:
			value = string(v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch key {
	case metaTrainingState:
		return json.Unmarshal([]byte(value), &checkpoint.TrainingState)
	case metaCheckpoint:
		return json.Unmarshal([]byte(value), &checkpoint.Metadata)
	case metaOptimizerState:
		checkpoint.OptimizerState = &OptimizerState{}
		return json.Unmarshal([]byte(value), checkpoint.OptimizerState)
	}
	return nil
}

// walkFields calls fn for every top-level field of a message. For varint
// and fixed fields v holds the raw encoded value; for bytes fields it holds
// the payload.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			payload, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			v, n = payload, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			v, n = data[:m], m
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// readVarints accepts both packed and unpacked repeated varints.
func readVarints(typ protowire.Type, v []byte) ([]uint64, error) {
	var out []uint64
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, x)
		v = v[n:]
		if typ != protowire.BytesType {
			break
		}
	}
	return out, nil
}

// readFixed64s accepts both packed and unpacked repeated fixed64 values.
func readFixed64s(typ protowire.Type, v []byte) ([]uint64, error) {
	var out []uint64
	for len(v) > 0 {
		x, n := protowire.ConsumeFixed64(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, x)
		v = v[n:]
		if typ != protowire.BytesType {
			break
		}
	}
	return out, nil
}
