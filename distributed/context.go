package distributed

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-ddp/logutil"
	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

// Options configures an execution context.
type Options struct {
	// MixedPrecision is "no", "fp16" or "bf16".
	MixedPrecision string
	// FindUnusedParameters lets parameters that a forward pass did not reach
	// take part in gradient averaging with zero gradients.
	FindUnusedParameters bool
	// ForceWrap wraps the model in DataParallel even in a world of one.
	ForceWrap bool
	// InitTimeout bounds the rendezvous in Accelerate.
	InitTimeout time.Duration
	// CollectiveTimeout bounds every collective. Zero waits forever.
	CollectiveTimeout time.Duration
	Logger            *zap.Logger
	// Stdout receives Print output. Defaults to os.Stdout.
	Stdout io.Writer
}

// Device is where this rank computes.
type Device struct {
	Kind  string
	Index int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Stepper is anything that applies accumulated gradients.
type Stepper interface {
	Step() error
}

// Context is the per-process view of a distributed run: rank facts, model
// preparation, gradient synchronization and the collectives the training loop
// needs. Every rank must call the synchronizing methods in the same order.
type Context struct {
	group     *ProcessGroup
	opts      Options
	precision Precision
	scaler    *GradScaler
	lg        *zap.Logger
	out       io.Writer

	model   model.Model
	wrapped bool
	namer   model.Namer

	closeOnce sync.Once
	closeErr  error
}

// NewContext builds a context around an existing group.
func NewContext(group *ProcessGroup, opts Options) (*Context, error) {
	precision, err := ParsePrecision(opts.MixedPrecision)
	if err != nil {
		return nil, err
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	r := group.Rank()
	c := &Context{
		group:     group,
		opts:      opts,
		precision: precision,
		scaler:    NewGradScaler(precision == PrecisionFP16),
		lg:        logutil.ForRank(lg, r.Rank),
		out:       out,
		namer:     model.PlainNamer{},
	}
	c.lg.Debug("execution context created",
		zap.Int("world-size", r.WorldSize),
		zap.Stringer("device", c.Device()),
		zap.String("mixed-precision", string(precision)),
	)
	return c, nil
}

// Accelerate reads the rank layout from the environment, forms the process
// group and returns a context that owns it.
func Accelerate(ctx context.Context, opts Options) (*Context, error) {
	boot, err := FromEnv()
	if err != nil {
		return nil, err
	}
	group, err := Initialize(ctx, boot.Rank, boot.Addr, boot.Port, GroupOptions{
		Timeout:           opts.InitTimeout,
		CollectiveTimeout: opts.CollectiveTimeout,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c, err := NewContext(group, opts)
	if err != nil {
		group.Finalize()
		return nil, errors.Wrapf(ErrInitialization, "%v", err)
	}
	return c, nil
}

// Close releases the process group. Calling it more than once is safe.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.group.Finalize()
	})
	return c.closeErr
}

func (c *Context) Rank() Rank { return c.group.Rank() }

func (c *Context) WorldSize() int { return c.group.WorldSize() }

func (c *Context) IsPrimary() bool { return c.group.Rank().IsPrimary() }

func (c *Context) Device() Device { return Device{Kind: "cpu", Index: c.group.Rank().LocalRank} }

func (c *Context) Logger() *zap.Logger { return c.lg }

func (c *Context) Precision() Precision { return c.precision }

// Namer returns the parameter naming of the prepared model.
func (c *Context) Namer() model.Namer { return c.namer }

// LossScale returns the current fp16 loss scale, 1 when scaling is off.
func (c *Context) LossScale() float64 { return c.scaler.Scale() }

// Print writes to stdout on the primary rank only.
func (c *Context) Print(a ...any) {
	if c.IsPrimary() {
		fmt.Fprintln(c.out, a...)
	}
}

// Prepare readies m for training. In a world larger than one, or when
// ForceWrap is set, the model is wrapped in DataParallel and its parameters
// are exposed with the "module." prefix. Parameters are broadcast from rank 0
// so every rank starts from the same weights.
func (c *Context) Prepare(m model.Model) (model.Model, error) {
	prepared := m
	c.wrapped = c.WorldSize() > 1 || c.opts.ForceWrap
	if c.wrapped {
		if _, ok := m.(*DataParallel); !ok {
			prepared = NewDataParallel(m)
		}
		c.namer = model.PrefixNamer{Prefix: model.WrapperPrefix}
	} else {
		prepared = Unwrap(m)
		c.namer = model.PlainNamer{}
	}

	if c.WorldSize() > 1 {
		params := prepared.NamedParameters()
		flat, err := c.group.Broadcast(0, flattenValues(params))
		if err != nil {
			return nil, errors.Wrap(err, "broadcast initial parameters")
		}
		scatterValues(params, flat)
	}

	c.model = prepared
	c.lg.Info("model prepared",
		zap.Bool("wrapped", c.wrapped),
		zap.Int("parameters", len(prepared.NamedParameters())),
		zap.Bool("find-unused-parameters", c.opts.FindUnusedParameters),
	)
	return prepared, nil
}

// Autocast rounds inputs through the mixed-precision format.
func (c *Context) Autocast(t *tensor.Tensor) *tensor.Tensor {
	return c.precision.Autocast(t)
}

// Backward differentiates loss and averages the gradients of every trainable
// parameter across ranks in a single flattened all-reduce, leaving every rank
// with identical gradients.
//
// A parameter that no rank's forward pass reached keeps a nil gradient. When
// the model is wrapped and FindUnusedParameters is off, such a parameter is an
// error on every rank. Every rank reaches the same verdict because the
// per-parameter usage flags travel in the same all-reduce.
func (c *Context) Backward(loss *model.Loss) error {
	if c.model == nil {
		return errors.New("backward called before Prepare")
	}
	scaled := loss
	if c.scaler.Enabled() {
		scaled = loss.Scale(c.scaler.Scale())
	}
	if err := scaled.Backward(); err != nil {
		return err
	}

	params := model.Trainable(c.model.NamedParameters())
	total := 0
	for _, p := range params {
		total += len(p.Value.Data)
	}
	bucket := make([]float64, 0, total+len(params))
	for _, p := range params {
		if p.Touched() {
			bucket = append(bucket, p.Grad...)
		} else {
			bucket = append(bucket, make([]float64, len(p.Value.Data))...)
		}
	}
	for _, p := range params {
		if p.Touched() {
			bucket = append(bucket, 1)
		} else {
			bucket = append(bucket, 0)
		}
	}

	reduced, err := c.group.AllReduce(Mean, bucket)
	if err != nil {
		return errors.Wrap(err, "gradient all-reduce")
	}

	used := reduced[total:]
	var unused []string
	for i, p := range params {
		if used[i] == 0 {
			unused = append(unused, p.Name)
		}
	}
	if len(unused) > 0 && c.wrapped && !c.opts.FindUnusedParameters {
		sort.Strings(unused)
		return errors.Wrapf(ErrUnusedParameter, "%v (enable find_unused_parameters to allow this)", unused)
	}

	offset := 0
	for i, p := range params {
		n := len(p.Value.Data)
		if used[i] == 0 {
			p.ZeroGrad()
		} else {
			if p.Grad == nil {
				p.Grad = make([]float64, n)
			}
			copy(p.Grad, reduced[offset:offset+n])
		}
		offset += n
	}
	return nil
}

// ClipGradients scales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping. fp16 gradients are unscaled first.
func (c *Context) ClipGradients(maxNorm float64) (float64, error) {
	if c.model == nil {
		return 0, errors.New("clip called before Prepare")
	}
	params := model.Trainable(c.model.NamedParameters())
	c.scaler.Unscale(params)

	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || math.IsNaN(norm) || math.IsInf(norm, 0) || norm <= maxNorm {
		return norm, nil
	}
	coef := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= coef
		}
	}
	return norm, nil
}

// Step applies the optimizer unless fp16 loss scaling found non-finite
// gradients, in which case the update is skipped on every rank.
func (c *Context) Step(opt Stepper) (bool, error) {
	if c.model == nil {
		return false, errors.New("step called before Prepare")
	}
	params := model.Trainable(c.model.NamedParameters())
	if !c.scaler.Update(params) {
		c.lg.Warn("skipping step with non-finite gradients", zap.Float64("loss-scale", c.scaler.Scale()))
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	return true, nil
}

// Barrier blocks until every rank reaches it.
func (c *Context) Barrier() error {
	return c.group.Barrier()
}

// AllReduce combines values across ranks.
func (c *Context) AllReduce(values []float64, red Reduction) ([]float64, error) {
	return c.group.AllReduce(red, values)
}

// AggregateScalar combines one per-rank value across ranks.
func (c *Context) AggregateScalar(v float64, red Reduction) (float64, error) {
	out, err := c.group.AllReduce(red, []float64{v})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// Broadcast returns root's values on every rank.
func (c *Context) Broadcast(root int, values []float64) ([]float64, error) {
	return c.group.Broadcast(root, values)
}

// AllGather collects every rank's values, indexed by rank.
func (c *Context) AllGather(values []float64) ([][]float64, error) {
	return c.group.AllGather(values)
}

// Consensus lets every rank learn whether any rank failed. A rank passes the
// error of its own (possibly primary-only) work; it gets that error back, and
// ranks that succeeded get ErrRemoteFailure if some other rank failed.
func (c *Context) Consensus(local error) error {
	flag := 0.0
	if local != nil {
		flag = 1
	}
	agreed, err := c.AggregateScalar(flag, Max)
	if err != nil {
		if local != nil {
			return local
		}
		return err
	}
	if local != nil {
		return local
	}
	if agreed > 0 {
		return errors.Wrap(ErrRemoteFailure, "another rank failed")
	}
	return nil
}

func flattenValues(params []model.NamedParameter) []float64 {
	var flat []float64
	for _, p := range params {
		flat = append(flat, p.Value.Data...)
	}
	return flat
}

func scatterValues(params []model.NamedParameter, flat []float64) {
	offset := 0
	for _, p := range params {
		n := copy(p.Value.Data, flat[offset:])
		offset += n
	}
}
