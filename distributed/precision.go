package distributed

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"

	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

// Precision selects the reduced-precision mode.
type Precision string

const (
	PrecisionNo   Precision = "no"
	PrecisionFP16 Precision = "fp16"
	PrecisionBF16 Precision = "bf16"
)

// ParsePrecision accepts "no", "fp16", "bf16" and an empty string ("no").
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PrecisionNo:
		return PrecisionNo, nil
	case PrecisionFP16, PrecisionBF16:
		return p, nil
	default:
		return PrecisionNo, fmt.Errorf("unknown mixed precision mode %q (want no, fp16 or bf16)", s)
	}
}

// Round rounds v to the precision's representable values.
func (p Precision) Round(v float64) float64 {
	switch p {
	case PrecisionFP16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case PrecisionBF16:
		f := float32(v)
		if f != f {
			return v
		}
		return float64(math.Float32frombits(math.Float32bits(f) &^ 0xFFFF))
	default:
		return v
	}
}

// Autocast returns t rounded through the reduced-precision format. Without
// mixed precision t itself is returned.
func (p Precision) Autocast(t *tensor.Tensor) *tensor.Tensor {
	if p != PrecisionFP16 && p != PrecisionBF16 {
		return t
	}
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = p.Round(v)
	}
	return out
}

const (
	initialLossScale = 65536.0
	growthFactor     = 2.0
	backoffFactor    = 0.5
	growthInterval   = 2000
)

// GradScaler implements dynamic loss scaling for fp16. The loss is multiplied
// by Scale before backward; gradients are divided by it before clipping and
// the optimizer step. A step with non-finite gradients is skipped and the
// scale halved; after growthInterval good steps in a row the scale doubles.
type GradScaler struct {
	enabled   bool
	scale     float64
	goodSteps int
	unscaled  bool
	foundInf  bool
}

// NewGradScaler creates a scaler. A disabled scaler has a constant scale of 1.
func NewGradScaler(enabled bool) *GradScaler {
	s := &GradScaler{enabled: enabled, scale: 1}
	if enabled {
		s.scale = initialLossScale
	}
	return s
}

// Enabled reports whether loss scaling is active.
func (s *GradScaler) Enabled() bool { return s.enabled }

// Scale returns the current loss scale.
func (s *GradScaler) Scale() float64 { return s.scale }

// Unscale divides every gradient by the scale once per step and records
// whether any of them is not finite.
func (s *GradScaler) Unscale(params []model.NamedParameter) {
	if !s.enabled || s.unscaled {
		return
	}
	inv := 1 / s.scale
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= inv
		}
		if !tensor.AllFinite(p.Grad) {
			s.foundInf = true
		}
	}
	s.unscaled = true
}

// Update finishes a step and reports whether the optimizer may apply it.
func (s *GradScaler) Update(params []model.NamedParameter) bool {
	if !s.enabled {
		return true
	}
	s.Unscale(params)
	apply := !s.foundInf
	if apply {
		s.goodSteps++
		if s.goodSteps >= growthInterval {
			s.scale *= growthFactor
			s.goodSteps = 0
		}
	} else {
		s.scale *= backoffFactor
		s.goodSteps = 0
	}
	s.unscaled = false
	s.foundInf = false
	return apply
}
