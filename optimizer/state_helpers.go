package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-ddp/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferIndex extracts the buffer index from state tensor names like
// "momentum_0" or "variance_12". It returns -1 when there is none.
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// extractBufferState copies a state buffer into a checkpoint tensor.
func extractBufferState(buffer []float64, shape []int, index int, stateType string) checkpoints.OptimizerTensor {
	data := make([]float64, len(buffer))
	copy(data, buffer)
	s := make([]int, len(shape))
	copy(s, shape)
	return checkpoints.OptimizerTensor{
		Name:      fmt.Sprintf("%s_%d", stateType, index),
		Shape:     s,
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data into a state buffer.
func restoreBufferState(buffer []float64, tensor checkpoints.OptimizerTensor) error {
	if len(tensor.Data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			tensor.Name, len(buffer), len(tensor.Data))
	}
	copy(buffer, tensor.Data)
	return nil
}

// bufferIndex validates the index encoded in a state tensor name.
func bufferIndex(tensor checkpoints.OptimizerTensor, n int) (int, error) {
	idx := extractBufferIndex(tensor.Name)
	if idx < 0 || idx >= n {
		return 0, fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
	}
	return idx, nil
}

// paramOr safely extracts a hyperparameter from the state map
func paramOr(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
