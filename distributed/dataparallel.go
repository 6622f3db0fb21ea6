package distributed

import (
	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

// DataParallel wraps a module for synchronized training. It shares the
// module's parameters and exposes them under the "module." prefix.
type DataParallel struct {
	Module model.Model
	params []model.NamedParameter
}

// NewDataParallel wraps m.
func NewDataParallel(m model.Model) *DataParallel {
	inner := m.NamedParameters()
	params := make([]model.NamedParameter, len(inner))
	for i, p := range inner {
		params[i] = model.NamedParameter{Name: model.WrapperPrefix + p.Name, Parameter: p.Parameter}
	}
	return &DataParallel{Module: m, params: params}
}

func (d *DataParallel) NamedParameters() []model.NamedParameter {
	return d.params
}

func (d *DataParallel) Forward(inputs *tensor.Tensor) (*model.Output, error) {
	return d.Module.Forward(inputs)
}

func (d *DataParallel) SetGradEnabled(enabled bool) bool {
	return d.Module.SetGradEnabled(enabled)
}

// Unwrap returns the module inside any number of DataParallel wrappers.
func Unwrap(m model.Model) model.Model {
	for {
		dp, ok := m.(*DataParallel)
		if !ok {
			return m
		}
		m = dp.Module
	}
}
