package distributed

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

func newContexts(t *testing.T, world int, opts Options) []*Context {
	t.Helper()
	groups := newGroups(t, world, GroupOptions{})
	ctxs := make([]*Context, world)
	for r, g := range groups {
		c, err := NewContext(g, opts)
		require.NoError(t, err)
		ctxs[r] = c
	}
	return ctxs
}

func classifier(t *testing.T, seed int64, aux bool) *model.Classifier {
	t.Helper()
	c, err := model.NewClassifier(model.ClassifierConfig{InputDim: 3, EmbedDim: 5, NumClasses: 3, AuxHead: aux, Seed: seed})
	require.NoError(t, err)
	return c
}

func rankBatch(t *testing.T, r int) (*tensor.Tensor, []int) {
	t.Helper()
	f := float64(r + 1)
	x, err := tensor.FromRows([][]float64{
		{0.5 * f, -1.2, 0.3},
		{1.5, 0.2 * f, -0.7},
	})
	require.NoError(t, err)
	return x, []int{r % 3, (r + 1) % 3}
}

func forwardLoss(m model.Model, x *tensor.Tensor, labels []int) (*model.Loss, error) {
	out, err := m.Forward(x)
	if err != nil {
		return nil, err
	}
	return model.CrossEntropy{}.Forward(out, labels)
}

func TestPrepareWrapsAndSynchronizesParameters(t *testing.T) {
	const world = 2
	ctxs := newContexts(t, world, Options{})

	reference := classifier(t, 1, false)
	prepared := make([]model.Model, world)
	errs := onEveryRank(world, func(r int) error {
		var err error
		// every rank starts from different weights
		prepared[r], err = ctxs[r].Prepare(classifier(t, int64(r+1), false))
		return err
	})
	requireNoErrors(t, errs)

	for r := 0; r < world; r++ {
		params := prepared[r].NamedParameters()
		require.Len(t, params, 4)
		for i, p := range params {
			assert.True(t, strings.HasPrefix(p.Name, model.WrapperPrefix), p.Name)
			assert.Equal(t, reference.NamedParameters()[i].Value.Data, p.Value.Data, "rank %d %s", r, p.Name)
		}
		_, ok := prepared[r].(*DataParallel)
		assert.True(t, ok)
		assert.Equal(t, model.PrefixNamer{Prefix: model.WrapperPrefix}, ctxs[r].Namer())
		assert.IsType(t, &model.Classifier{}, Unwrap(prepared[r]))
	}
}

func TestPrepareLeavesSingleRankModelBare(t *testing.T) {
	c := newContexts(t, 1, Options{})[0]
	m := classifier(t, 1, false)
	prepared, err := c.Prepare(NewDataParallel(m))
	require.NoError(t, err)
	assert.Same(t, m, prepared)
	assert.Equal(t, model.PlainNamer{}, c.Namer())
	assert.Equal(t, "fc1.weight", prepared.NamedParameters()[0].Name)

	forced := newContexts(t, 1, Options{ForceWrap: true})[0]
	prepared, err = forced.Prepare(m)
	require.NoError(t, err)
	assert.Equal(t, "module.fc1.weight", prepared.NamedParameters()[0].Name)
}

func TestBackwardAveragesGradients(t *testing.T) {
	const world = 2

	// expected: the mean of what each rank computes alone
	var expected [][]float64
	for r := 0; r < world; r++ {
		m := classifier(t, 3, false)
		x, labels := rankBatch(t, r)
		loss, err := forwardLoss(m, x, labels)
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
		for i, p := range m.NamedParameters() {
			if r == 0 {
				expected = append(expected, make([]float64, len(p.Grad)))
			}
			for j, g := range p.Grad {
				expected[i][j] += g / world
			}
		}
	}

	ctxs := newContexts(t, world, Options{})
	grads := make([][][]float64, world)
	errs := onEveryRank(world, func(r int) error {
		m, err := ctxs[r].Prepare(classifier(t, 3, false))
		if err != nil {
			return err
		}
		x, labels := rankBatch(t, r)
		loss, err := forwardLoss(m, x, labels)
		if err != nil {
			return err
		}
		if err := ctxs[r].Backward(loss); err != nil {
			return err
		}
		for _, p := range m.NamedParameters() {
			grads[r] = append(grads[r], p.Grad)
		}
		return nil
	})
	requireNoErrors(t, errs)

	for r := 0; r < world; r++ {
		for i := range expected {
			assert.InDeltaSlice(t, expected[i], grads[r][i], 1e-12, "rank %d param %d", r, i)
		}
	}
}

func TestUnusedParametersWithoutFindUnusedFailEveryRank(t *testing.T) {
	const world = 2
	ctxs := newContexts(t, world, Options{})
	errs := onEveryRank(world, func(r int) error {
		m, err := ctxs[r].Prepare(classifier(t, 1, true))
		if err != nil {
			return err
		}
		x, labels := rankBatch(t, r)
		loss, err := forwardLoss(m, x, labels)
		if err != nil {
			return err
		}
		return ctxs[r].Backward(loss)
	})
	for r, err := range errs {
		require.Error(t, err, "rank %d", r)
		assert.True(t, errors.Is(err, ErrUnusedParameter), "rank %d: %v", r, err)
		assert.Contains(t, err.Error(), "module.aux.weight")
	}
}

func TestUnusedParametersWithFindUnused(t *testing.T) {
	const world = 2
	ctxs := newContexts(t, world, Options{FindUnusedParameters: true})
	models := make([]model.Model, world)
	errs := onEveryRank(world, func(r int) error {
		m, err := ctxs[r].Prepare(classifier(t, 1, true))
		if err != nil {
			return err
		}
		models[r] = m
		x, labels := rankBatch(t, r)
		loss, err := forwardLoss(m, x, labels)
		if err != nil {
			return err
		}
		return ctxs[r].Backward(loss)
	})
	requireNoErrors(t, errs)

	for r := 0; r < world; r++ {
		for _, p := range models[r].NamedParameters() {
			if strings.Contains(p.Name, "aux") {
				assert.False(t, p.Touched(), p.Name)
			} else {
				assert.True(t, p.Touched(), p.Name)
			}
		}
	}
}

func TestClipGradients(t *testing.T) {
	c := newContexts(t, 1, Options{})[0]
	w, err := tensor.NewTensor([]int{2}, []float64{0, 0})
	require.NoError(t, err)
	m := &fixedModel{params: []model.NamedParameter{{Name: "w", Parameter: model.NewParameter(w)}}}
	_, err = c.Prepare(m)
	require.NoError(t, err)

	m.params[0].Grad = []float64{3, 4}
	norm, err := c.ClipGradients(1)
	require.NoError(t, err)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, m.params[0].Grad, 1e-6)

	m.params[0].Grad = []float64{0.3, 0.4}
	norm, err = c.ClipGradients(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, norm, 1e-12)
	assert.Equal(t, []float64{0.3, 0.4}, m.params[0].Grad)
}

type fixedModel struct {
	params []model.NamedParameter
}

func (f *fixedModel) NamedParameters() []model.NamedParameter { return f.params }

func (f *fixedModel) Forward(x *tensor.Tensor) (*model.Output, error) {
	return model.NewOutput(x, nil), nil
}

func (f *fixedModel) SetGradEnabled(bool) bool { return true }

type countingStepper struct{ steps int }

func (s *countingStepper) Step() error {
	s.steps++
	return nil
}

func TestFP16ScalerSkipsNonFiniteSteps(t *testing.T) {
	c := newContexts(t, 1, Options{MixedPrecision: "fp16"})[0]
	m, err := c.Prepare(classifier(t, 1, false))
	require.NoError(t, err)
	initial := c.LossScale()
	assert.Equal(t, 65536.0, initial)

	x, labels := rankBatch(t, 0)
	loss, err := forwardLoss(m, x, labels)
	require.NoError(t, err)
	require.NoError(t, c.Backward(loss))

	// the scaled gradient, unscaled, must equal the plain gradient
	plain := classifier(t, 1, false)
	ref, err := forwardLoss(plain, x, labels)
	require.NoError(t, err)
	require.NoError(t, ref.Backward())
	_, err = c.ClipGradients(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, plain.NamedParameters()[2].Grad, m.NamedParameters()[2].Grad, 1e-9)

	opt := &countingStepper{}
	applied, err := c.Step(opt)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, opt.steps)

	model.ZeroGrad(m.NamedParameters())
	loss, err = forwardLoss(m, x, labels)
	require.NoError(t, err)
	require.NoError(t, c.Backward(loss))
	m.NamedParameters()[0].Grad[0] = math.Inf(1)
	applied, err = c.Step(opt)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, opt.steps)
	assert.Equal(t, initial/2, c.LossScale())
}

func TestGradScalerGrowth(t *testing.T) {
	s := NewGradScaler(true)
	for i := 0; i < growthInterval; i++ {
		assert.True(t, s.Update(nil))
	}
	assert.Equal(t, initialLossScale*2, s.Scale())

	off := NewGradScaler(false)
	assert.Equal(t, 1.0, off.Scale())
	assert.True(t, off.Update(nil))
}

func TestAutocast(t *testing.T) {
	x, err := tensor.NewTensor([]int{3}, []float64{1.0 / 3, 1e6, 1.5})
	require.NoError(t, err)

	assert.Same(t, x, PrecisionNo.Autocast(x))

	half := PrecisionFP16.Autocast(x)
	assert.NotEqual(t, 1.0/3, half.Data[0])
	assert.InDelta(t, 1.0/3, half.Data[0], 1e-3)
	assert.True(t, math.IsInf(half.Data[1], 1))
	assert.Equal(t, 1.5, half.Data[2])
	assert.Equal(t, 1.0/3, x.Data[0], "input untouched")

	brain := PrecisionBF16.Autocast(x)
	assert.InDelta(t, 1.0/3, brain.Data[0], 1e-2)
	assert.InDelta(t, 1e6, brain.Data[1], 1e4)
	assert.Equal(t, 1.5, brain.Data[2])

	_, err = ParsePrecision("fp8")
	assert.Error(t, err)
	p, err := ParsePrecision("BF16")
	require.NoError(t, err)
	assert.Equal(t, PrecisionBF16, p)
}

func TestConsensus(t *testing.T) {
	const world = 2
	ctxs := newContexts(t, world, Options{})
	diskFull := errors.New("disk full")

	errs := onEveryRank(world, func(r int) error {
		var local error
		if r == 0 {
			local = diskFull
		}
		return ctxs[r].Consensus(local)
	})
	assert.Equal(t, diskFull, errs[0])
	assert.True(t, errors.Is(errs[1], ErrRemoteFailure))

	errs = onEveryRank(world, func(r int) error { return ctxs[r].Consensus(nil) })
	requireNoErrors(t, errs)
}

func TestAggregateScalar(t *testing.T) {
	for _, world := range []int{1, 2, 4} {
		ctxs := newContexts(t, world, Options{})
		sums := make([]float64, world)
		errs := onEveryRank(world, func(r int) error {
			var err error
			sums[r], err = ctxs[r].AggregateScalar(float64(r)+0.5, Sum)
			return err
		})
		requireNoErrors(t, errs)
		want := 0.0
		for r := 0; r < world; r++ {
			want += float64(r) + 0.5
		}
		for r := range sums {
			assert.Equal(t, want, sums[r])
		}
	}
}

func TestPrintOnlyOnPrimary(t *testing.T) {
	const world = 2
	groups := newGroups(t, world, GroupOptions{})
	outs := make([]*bytes.Buffer, world)
	for r, g := range groups {
		outs[r] = &bytes.Buffer{}
		c, err := NewContext(g, Options{Stdout: outs[r]})
		require.NoError(t, err)
		c.Print("step", 1)
		assert.Equal(t, Device{Kind: "cpu", Index: r}, c.Device())
	}
	assert.Equal(t, "step 1\n", outs[0].String())
	assert.Empty(t, outs[1].String())
}

func TestAccelerateWithoutEnvironmentRunsAlone(t *testing.T) {
	t.Setenv(EnvRank, "")
	t.Setenv(EnvWorldSize, "")
	c, err := Accelerate(t.Context(), Options{MixedPrecision: "bf16"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, Single, c.Rank())
	assert.True(t, c.IsPrimary())
	assert.Equal(t, PrecisionBF16, c.Precision())
	assert.NoError(t, c.Close())
}
