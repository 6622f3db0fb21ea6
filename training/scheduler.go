package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-ddp/checkpoints"
)

// LRScheduler adjusts the learning rate once per evaluation. Only the primary
// rank steps it; the resulting rate is broadcast to every rank.
type LRScheduler interface {
	// Step takes the latest validation metric and the current rate and
	// returns the rate to use from now on.
	Step(metric float64, currentLR float64) float64
	GetName() string
	State() *checkpoints.SchedulerState
	LoadState(state *checkpoints.SchedulerState) error
}

// NewScheduler builds a scheduler by name: "plateau" (the default), "step",
// "exponential" or "constant".
func NewScheduler(name string, factor float64, patience int) (LRScheduler, error) {
	switch name {
	case "", "plateau", "ReduceLROnPlateau":
		return NewReduceLROnPlateauScheduler(factor, patience, 1e-4, "min"), nil
	case "step", "StepLR":
		return NewStepLRScheduler(patience, factor), nil
	case "exponential", "ExponentialLR":
		return NewExponentialLRScheduler(factor), nil
	case "constant", "ConstantLR":
		return &NoOpScheduler{}, nil
	}
	return nil, errors.Errorf("unknown scheduler %q", name)
}

func checkSchedulerType(s LRScheduler, state *checkpoints.SchedulerState) error {
	if state == nil {
		return errors.New("scheduler state is nil")
	}
	if state.Type != s.GetName() {
		return errors.Errorf("scheduler state is for %q, not %q", state.Type, s.GetName())
	}
	return nil
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// A metric counts as an improvement when it beats the best by the relative
// Threshold. After more than Patience evaluations without one, the rate is
// multiplied by Factor.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" or "max"
	MinLR     float64

	bestMetric float64
	badEvals   int
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience < 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	best := math.Inf(1)
	if mode == "max" {
		best = math.Inf(-1)
	}
	return &ReduceLROnPlateauScheduler{
		Factor:     factor,
		Patience:   patience,
		Threshold:  threshold,
		Mode:       mode,
		bestMetric: best,
	}
}

func (s *ReduceLROnPlateauScheduler) improved(metric float64) bool {
	if s.Mode == "min" {
		return metric < s.bestMetric*(1-s.Threshold)
	}
	return metric > s.bestMetric*(1+s.Threshold)
}

func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if s.improved(metric) {
		s.bestMetric = metric
		s.badEvals = 0
		return currentLR
	}
	s.badEvals++
	if s.badEvals <= s.Patience {
		return currentLR
	}
	s.badEvals = 0
	next := math.Max(currentLR*s.Factor, s.MinLR)
	if currentLR-next <= 1e-8 {
		return currentLR
	}
	return next
}

// BestMetric returns the best metric seen so far.
func (s *ReduceLROnPlateauScheduler) BestMetric() float64 {
	return s.bestMetric
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

func (s *ReduceLROnPlateauScheduler) State() *checkpoints.SchedulerState {
	values := map[string]float64{
		"factor":    s.Factor,
		"patience":  float64(s.Patience),
		"threshold": s.Threshold,
		"min_lr":    s.MinLR,
		"bad_evals": float64(s.badEvals),
	}
	// +Inf has no JSON spelling; an absent best means nothing seen yet.
	if !math.IsInf(s.bestMetric, 0) {
		values["best"] = s.bestMetric
	}
	if s.Mode == "max" {
		values["mode_max"] = 1
	}
	return &checkpoints.SchedulerState{Type: s.GetName(), Values: values}
}

func (s *ReduceLROnPlateauScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if err := checkSchedulerType(s, state); err != nil {
		return err
	}
	v := state.Values
	if f, ok := v["factor"]; ok {
		s.Factor = f
	}
	if p, ok := v["patience"]; ok {
		s.Patience = int(p)
	}
	if th, ok := v["threshold"]; ok {
		s.Threshold = th
	}
	s.MinLR = v["min_lr"]
	s.badEvals = int(v["bad_evals"])
	s.Mode = "min"
	s.bestMetric = math.Inf(1)
	if v["mode_max"] == 1 {
		s.Mode = "max"
		s.bestMetric = math.Inf(-1)
	}
	if b, ok := v["best"]; ok {
		s.bestMetric = b
	}
	return nil
}

// StepLRScheduler multiplies the rate by Gamma every StepSize evaluations.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
	evals    int
}

// NewStepLRScheduler creates a step decay scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 1
	}
	if gamma <= 0 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) Step(_ float64, currentLR float64) float64 {
	s.evals++
	if s.evals%s.StepSize == 0 {
		return currentLR * s.Gamma
	}
	return currentLR
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

func (s *StepLRScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{Type: s.GetName(), Values: map[string]float64{
		"step_size": float64(s.StepSize),
		"gamma":     s.Gamma,
		"evals":     float64(s.evals),
	}}
}

func (s *StepLRScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if err := checkSchedulerType(s, state); err != nil {
		return err
	}
	if n := int(state.Values["step_size"]); n > 0 {
		s.StepSize = n
	}
	if g, ok := state.Values["gamma"]; ok {
		s.Gamma = g
	}
	s.evals = int(state.Values["evals"])
	return nil
}

// ExponentialLRScheduler multiplies the rate by Gamma at every evaluation.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential decay scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) Step(_ float64, currentLR float64) float64 {
	return currentLR * s.Gamma
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

func (s *ExponentialLRScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{Type: s.GetName(), Values: map[string]float64{"gamma": s.Gamma}}
}

func (s *ExponentialLRScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if err := checkSchedulerType(s, state); err != nil {
		return err
	}
	if g, ok := state.Values["gamma"]; ok {
		s.Gamma = g
	}
	return nil
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) Step(_ float64, currentLR float64) float64 {
	return currentLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

func (s *NoOpScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{Type: s.GetName(), Values: map[string]float64{}}
}

func (s *NoOpScheduler) LoadState(state *checkpoints.SchedulerState) error {
	return checkSchedulerType(s, state)
}
