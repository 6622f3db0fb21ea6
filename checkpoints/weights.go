package checkpoints

import (
	"fmt"

	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

// StateDict copies live parameters into weight tensors stored under their
// canonical (unwrapped) names, so a checkpoint never depends on whether the
// model that wrote it was wrapped.
func StateDict(params []model.NamedParameter, namer model.Namer) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		data := make([]float64, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  namer.Unwrap(p.Name),
			Shape: shape,
			Data:  data,
		})
	}
	return weights
}

// ApplyModel loads the checkpoint weights into params. Stored names are
// reduced to canonical form first and matched against the live names through
// namer, so wrapped and bare models can load each other's checkpoints.
// Missing, unknown, duplicate or mis-shaped entries are errors and nothing is
// assigned in that case.
func ApplyModel(ckpt *Checkpoint, params []model.NamedParameter, namer model.Namer) error {
	stored := make(map[string]WeightTensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		name := namer.Unwrap(w.Name)
		if _, dup := stored[name]; dup {
			return fmt.Errorf("checkpoint holds %q more than once", name)
		}
		stored[name] = w
	}

	type assignment struct {
		param model.NamedParameter
		data  []float64
	}
	plan := make([]assignment, 0, len(params))
	for _, p := range params {
		canonical := namer.Unwrap(p.Name)
		w, ok := stored[canonical]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %q", canonical)
		}
		if !tensor.SameShape(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("parameter %q has shape %v in checkpoint, model expects %v", canonical, w.Shape, p.Value.Shape)
		}
		delete(stored, canonical)
		plan = append(plan, assignment{param: p, data: w.Data})
	}
	for name := range stored {
		return fmt.Errorf("checkpoint parameter %q does not exist in the model", namer.Wrap(name))
	}

	for _, a := range plan {
		copy(a.param.Value.Data, a.data)
	}
	return nil
}
