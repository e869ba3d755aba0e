package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/category-trainer/checkpoints"
	"github.com/tsawler/category-trainer/layers"
)

// Per-parameter optimizer buffers are keyed "<stateType>.<parameter name>",
// e.g. "exp_avg.head.fc.weight".

func stateName(stateType, param string) string {
	return stateType + "." + param
}

// extractBufferState copies the buffers of one state type into checkpoint
// tensors, in parameter name order.
func extractBufferState(buffers map[string][]float64, params []*layers.Parameter, stateType string) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	sorted := append([]*layers.Parameter(nil), params...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, p := range sorted {
		buf, ok := buffers[p.Name]
		if !ok {
			continue
		}
		data := make([]float64, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      stateName(stateType, p.Name),
			Shape:     append([]int(nil), p.Value.Shape...),
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState rebuilds the buffers of one state type, checking sizes
// against the parameters they belong to.
func restoreBufferState(state []checkpoints.OptimizerTensor, params []*layers.Parameter, stateType string) (map[string][]float64, error) {
	byName := make(map[string]*layers.Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	out := make(map[string][]float64)
	for _, st := range state {
		if st.StateType != stateType {
			continue
		}
		name := strings.TrimPrefix(st.Name, stateType+".")
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%s state for unknown parameter %q", stateType, name)
		}
		if len(st.Data) != len(p.Value.Data) {
			return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				st.Name, len(p.Value.Data), len(st.Data))
		}
		data := make([]float64, len(st.Data))
		copy(data, st.Data)
		out[name] = data
	}
	return out, nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}

// extractUintParam safely extracts a counter from the state map
func extractUintParam(params map[string]interface{}, key string) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return 0
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
