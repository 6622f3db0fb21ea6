package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

func params(t *testing.T, values ...[]float64) []model.NamedParameter {
	t.Helper()
	var out []model.NamedParameter
	for i, v := range values {
		w, err := tensor.NewTensor([]int{len(v)}, append([]float64(nil), v...))
		require.NoError(t, err)
		out = append(out, model.NamedParameter{Name: string(rune('a' + i)), Parameter: model.NewParameter(w)})
	}
	return out
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	ps := params(t, []float64{1, -1})
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, ps)
	require.NoError(t, err)

	ps[0].Grad = []float64{0.5, -2}
	require.NoError(t, adam.Step())

	// bias-corrected first step is lr * sign(g)
	assert.InDelta(t, 0.9, ps[0].Value.Data[0], 1e-6)
	assert.InDelta(t, -0.9, ps[0].Value.Data[1], 1e-6)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestAdamWeightDecay(t *testing.T) {
	ps := params(t, []float64{2})
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 1}, ps)
	require.NoError(t, err)
	ps[0].Grad = []float64{0}
	require.NoError(t, adam.Step())
	assert.Less(t, ps[0].Value.Data[0], 2.0)
}

func TestParametersWithoutGradientAreSkipped(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		ps := params(t, []float64{1}, []float64{5})
		opt, err := New(name, 0.1, ps)
		require.NoError(t, err)
		ps[0].Grad = []float64{1}
		require.NoError(t, opt.Step())
		assert.NotEqual(t, 1.0, ps[0].Value.Data[0], name)
		assert.Equal(t, 5.0, ps[1].Value.Data[0], name)

		opt.ZeroGrad()
		assert.False(t, ps[0].Touched())
	}
}

func TestSGDMomentum(t *testing.T) {
	ps := params(t, []float64{0})
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.5}, ps)
	require.NoError(t, err)

	ps[0].Grad = []float64{1}
	require.NoError(t, sgd.Step())
	assert.Equal(t, -1.0, ps[0].Value.Data[0])
	require.NoError(t, sgd.Step())
	assert.Equal(t, -2.5, ps[0].Value.Data[0])
}

func TestSGDNesterov(t *testing.T) {
	ps := params(t, []float64{0})
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.5, Nesterov: true}, ps)
	require.NoError(t, err)
	ps[0].Grad = []float64{1}
	require.NoError(t, sgd.Step())
	assert.Equal(t, -1.5, ps[0].Value.Data[0])
}

func TestInvalidConfigs(t *testing.T) {
	ps := params(t, []float64{0})
	_, err := NewSGDOptimizer(SGDConfig{LearningRate: -1}, ps)
	assert.Error(t, err)
	_, err = NewSGDOptimizer(SGDConfig{LearningRate: 1, Nesterov: true}, ps)
	assert.Error(t, err)
	_, err = NewAdamOptimizer(AdamConfig{LearningRate: 1, Beta1: 1, Beta2: 0.9}, ps)
	assert.Error(t, err)
	_, err = NewAdamOptimizer(DefaultAdamConfig(), nil)
	assert.Error(t, err)
	_, err = New("lamb", 0.1, ps)
	assert.Error(t, err)

	frozen := params(t, []float64{0})
	frozen[0].RequiresGrad = false
	_, err = New("adam", 0.1, frozen)
	assert.Error(t, err)
}

func TestAdamStateRoundTrip(t *testing.T) {
	ps := params(t, []float64{1, 2}, []float64{3})
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), ps)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ps[0].Grad = []float64{0.1, -0.2}
		ps[1].Grad = []float64{0.3}
		require.NoError(t, adam.Step())
	}
	adam.SetLearningRate(0.5)

	state, err := adam.GetState()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	assert.Len(t, state.StateData, 4)
	assert.Equal(t, "momentum_1", state.StateData[2].Name)

	// state survives the checkpoint codec
	body, err := checkpoints.MarshalProto(&checkpoints.Checkpoint{OptimizerState: state})
	require.NoError(t, err)
	decoded, err := checkpoints.UnmarshalProto(body)
	require.NoError(t, err)

	fresh := params(t, []float64{1, 2}, []float64{3})
	restored, err := NewAdamOptimizer(DefaultAdamConfig(), fresh)
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(decoded.OptimizerState))
	assert.Equal(t, adam.MomentumBuffers, restored.MomentumBuffers)
	assert.Equal(t, adam.VarianceBuffers, restored.VarianceBuffers)
	assert.Equal(t, uint64(3), restored.GetStepCount())
	assert.Equal(t, 0.5, restored.GetLearningRate())

	// identical next step
	copy(fresh[0].Value.Data, ps[0].Value.Data)
	copy(fresh[1].Value.Data, ps[1].Value.Data)
	for _, set := range [][]model.NamedParameter{ps, fresh} {
		set[0].Grad = []float64{1, 1}
		set[1].Grad = []float64{-1}
	}
	require.NoError(t, adam.Step())
	require.NoError(t, restored.Step())
	assert.Equal(t, ps[0].Value.Data, fresh[0].Value.Data)
}

func TestLoadStateRejectsBadInput(t *testing.T) {
	ps := params(t, []float64{1, 2})
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), ps)
	require.NoError(t, err)

	assert.Error(t, adam.LoadState(nil))
	assert.Error(t, adam.LoadState(&checkpoints.OptimizerState{Type: "SGD"}))
	assert.Error(t, adam.LoadState(&checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
		{Name: "momentum_3", Data: []float64{1, 2}, StateType: "momentum"},
	}}))
	assert.Error(t, adam.LoadState(&checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
		{Name: "momentum_0", Data: []float64{1}, StateType: "momentum"},
	}}))
}

func TestSGDStateRoundTrip(t *testing.T) {
	ps := params(t, []float64{0, 0})
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, ps)
	require.NoError(t, err)
	ps[0].Grad = []float64{1, 2}
	require.NoError(t, sgd.Step())

	state, err := sgd.GetState()
	require.NoError(t, err)
	assert.Equal(t, 1.0, state.Parameters["nesterov"])

	other, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.5}, params(t, []float64{0, 0}))
	require.NoError(t, err)
	require.NoError(t, other.LoadState(state))
	assert.Equal(t, sgd.MomentumBuffers, other.MomentumBuffers)
	assert.True(t, other.Nesterov)
	assert.Equal(t, 0.1, other.GetLearningRate())
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("momentum_0"))
	assert.Equal(t, 12, extractBufferIndex("squared_grad_avg_12"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("momentum_x"))
	assert.Equal(t, -1, extractBufferIndex("momentum_-1"))
}

func TestStepRejectsMisshapenGradient(t *testing.T) {
	ps := params(t, []float64{1, 2})
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), ps)
	require.NoError(t, err)
	ps[0].Grad = []float64{1}
	assert.Error(t, adam.Step())
	assert.False(t, math.IsNaN(ps[0].Value.Data[0]))
}
