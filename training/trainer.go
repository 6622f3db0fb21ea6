// Package training runs the distributed step loop: gradient accumulation,
// synchronized updates, periodic evaluation and checkpointing. Every rank
// runs the same loop and reaches the same collectives in the same order; only
// the primary rank writes checkpoints and reports scalars.
package training

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/data"
	"github.com/tsawler/go-ddp/distributed"
	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/optimizer"
	"github.com/tsawler/go-ddp/tracking"
)

// Hooks observe the loop. They run on every rank.
type Hooks struct {
	// OnForward runs after every micro-batch forward pass.
	OnForward func()
	// OnUpdate runs after every optimizer update with the new step.
	OnUpdate func(step int)
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithModel replaces the placeholder classifier.
func WithModel(m model.Model) Option {
	return func(t *Trainer) { t.model = m }
}

// WithDatasets replaces the synthetic train and validation sets.
func WithDatasets(train, valid data.Dataset) Option {
	return func(t *Trainer) {
		t.trainSet = train
		t.validSet = valid
	}
}

// WithTracker sets where the primary reports scalars.
func WithTracker(tr tracking.Tracker) Option {
	return func(t *Trainer) { t.tracker = tr }
}

// WithStore replaces the checkpoint store derived from the settings.
func WithStore(s *checkpoints.Store) Option {
	return func(t *Trainer) { t.store = s }
}

// WithProgress prints a progress line on the primary.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

// WithHooks installs loop observers.
func WithHooks(h Hooks) Option {
	return func(t *Trainer) { t.hooks = h }
}

// WithEvaluator replaces the validation pass used by the loop. The function
// must return the same value on every rank.
func WithEvaluator(fn func(ctx context.Context) (float64, error)) Option {
	return func(t *Trainer) { t.evaluate = fn }
}

// WithRunID tags saved checkpoints.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// Trainer owns the training state of one rank.
type Trainer struct {
	settings Settings
	dctx     *distributed.Context
	lg       *zap.Logger

	model     model.Model
	criterion model.Criterion
	opt       optimizer.Optimizer
	sched     LRScheduler
	store     *checkpoints.Store
	tracker   tracking.Tracker

	trainSet    data.Dataset
	validSet    data.Dataset
	trainLoader *data.Loader
	validLoader *data.Loader

	state    State
	hooks    Hooks
	evaluate func(ctx context.Context) (float64, error)
	progress io.Writer
	runID    string
}

// New prepares the model on dctx and builds the optimizer, scheduler, loaders
// and store. Every rank must call New, since preparing the model broadcasts
// the primary's parameters.
func New(settings Settings, dctx *distributed.Context, opts ...Option) (*Trainer, error) {
	if err := settings.Validate(); err != nil {
		return nil, stageError(StageInitialization, err)
	}
	t := &Trainer{
		settings:  settings,
		dctx:      dctx,
		lg:        dctx.Logger(),
		criterion: model.CrossEntropy{},
		tracker:   tracking.Nop{},
		state:     NewState(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.init(); err != nil {
		return nil, stageError(StageInitialization, err)
	}
	return t, nil
}

func (t *Trainer) init() error {
	s := t.settings
	if t.model == nil {
		m, err := model.NewClassifier(model.ClassifierConfig{
			InputDim:   s.InputDim,
			EmbedDim:   s.EmbedDim,
			NumClasses: s.NumClasses,
			AuxHead:    s.AuxHead,
			Seed:       s.Seed,
		})
		if err != nil {
			return err
		}
		t.model = m
	}
	if t.trainSet == nil || t.validSet == nil {
		train, valid, err := syntheticSplits(s)
		if err != nil {
			return err
		}
		if t.trainSet == nil {
			t.trainSet = train
		}
		if t.validSet == nil {
			t.validSet = valid
		}
	}

	prepared, err := t.dctx.Prepare(t.model)
	if err != nil {
		return err
	}
	t.model = prepared

	if t.opt, err = optimizer.New(s.Optimizer, s.LearningRate, prepared.NamedParameters()); err != nil {
		return err
	}
	if t.sched, err = NewScheduler(s.Scheduler, s.SchedulerFactor, s.SchedulerPatience); err != nil {
		return err
	}

	r := t.dctx.Rank()
	if t.trainLoader, err = data.NewLoader(t.trainSet, data.LoaderConfig{
		BatchSize:    s.BatchSize,
		Shuffle:      true,
		DropLast:     true,
		Seed:         s.Seed,
		Rank:         r.Rank,
		WorldSize:    r.WorldSize,
		SplitBatches: true,
		NumWorkers:   s.NumWorkers,
	}); err != nil {
		return errors.Wrap(err, "train loader")
	}
	if t.validLoader, err = data.NewLoader(t.validSet, data.LoaderConfig{
		BatchSize:  s.ValidBatchSize,
		Rank:       r.Rank,
		WorldSize:  r.WorldSize,
		NumWorkers: s.NumWorkers,
	}); err != nil {
		return errors.Wrap(err, "validation loader")
	}

	if t.store == nil {
		t.store = checkpoints.NewStore(checkpoints.Config{
			Directory: s.RunDir(),
			Format:    s.Format,
			Primary:   t.dctx.IsPrimary(),
			Logger:    t.lg,
		})
	}
	if t.evaluate == nil {
		t.evaluate = t.Evaluate
	}
	return nil
}

func syntheticSplits(s Settings) (train, valid data.Dataset, err error) {
	base := data.SyntheticConfig{
		Path:       s.DataPath,
		InputDim:   s.InputDim,
		NumClasses: s.NumClasses,
		Noise:      s.Noise,
		Seed:       s.Seed,
	}
	trainCfg, validCfg := base, base
	trainCfg.Split, trainCfg.NumSamples = "train", s.NumSamples
	validCfg.Split, validCfg.NumSamples = "val", max(s.NumSamples/5, 1)
	if train, err = data.NewSynthetic(trainCfg); err != nil {
		return nil, nil, err
	}
	if valid, err = data.NewSynthetic(validCfg); err != nil {
		return nil, nil, err
	}
	return train, valid, nil
}

// State returns the current training state.
func (t *Trainer) State() State {
	return t.state
}

// Model returns the prepared model.
func (t *Trainer) Model() model.Model {
	return t.model
}

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.opt
}

// Store returns the checkpoint store.
func (t *Trainer) Store() *checkpoints.Store {
	return t.store
}

// Train runs optimizer updates until the step counter reaches train.steps,
// resuming from the current state. Every log_every steps the primary reports
// the window's average training loss and the learning rate; every
// save_checkpoint_every*log_every steps the model is evaluated and a new best
// validation loss is checkpointed as "best". Cancellation of ctx is observed
// between steps only, and a cancellation on any rank stops every rank at the
// same step.
func (t *Trainer) Train(ctx context.Context) error {
	s := t.settings
	var source data.Source = data.NewRepeat(t.trainLoader)
	if s.PrefetchDepth > 0 {
		pf, err := data.NewPrefetcher(source, s.PrefetchDepth)
		if err != nil {
			return stageError(StageInitialization, err)
		}
		if err := pf.Start(); err != nil {
			return stageError(StageInitialization, err)
		}
		defer pf.Stop()
		source = pf
	}

	var bar *ProgressBar
	if t.progress != nil && t.dctx.IsPrimary() {
		PrintModelSummary(t.progress, "Model", t.model.NamedParameters())
		bar = NewProgressBar(t.progress, "Training", t.state.Step, s.Steps)
		defer bar.Finish()
	}

	t.lg.Info("training started",
		zap.Int("start-step", t.state.Step),
		zap.Int("steps", s.Steps),
		zap.Int("world-size", t.dctx.WorldSize()),
		zap.Int("gradient-accumulation-steps", s.GradientAccumulationSteps),
	)
	started := time.Now()
	first := t.state.Step

	var windowSum, windowCount float64
	for t.state.Step < s.Steps {
		if err := t.stopRequested(ctx); err != nil {
			return stageError(StageStep, err)
		}

		lossSum, err := t.step(source)
		if err != nil {
			return stageError(StageStep, err)
		}
		windowSum += lossSum
		windowCount += float64(s.GradientAccumulationSteps)

		if t.state.Step%s.LogEvery == 0 {
			avg, err := t.windowAverage(windowSum, windowCount)
			if err != nil {
				return stageError(StageStep, err)
			}
			windowSum, windowCount = 0, 0
			values := map[string]float64{"Loss/train": avg, "lr": t.opt.GetLearningRate()}
			if t.dctx.IsPrimary() {
				if err := t.tracker.Log(values, t.state.Step); err != nil {
					t.lg.Warn("failed to report scalars", zap.Error(err))
				}
				t.lg.Info("train", zap.Int("step", t.state.Step), zap.Float64("loss", avg), zap.Float64("lr", values["lr"]))
			}
			if bar != nil {
				bar.Update(t.state.Step, values)
			}
		} else if bar != nil {
			bar.Update(t.state.Step, nil)
		}

		if t.state.Step%s.EvalEvery() == 0 {
			if err := t.evaluateAndCheckpoint(ctx); err != nil {
				return err
			}
		}
	}

	t.lg.Info("training finished",
		zap.Int("step", t.state.Step),
		zap.Int("updates", t.state.Step-first),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

// stopRequested reports whether any rank's ctx is done, so every rank leaves
// the loop at the same step boundary.
func (t *Trainer) stopRequested(ctx context.Context) error {
	flag := 0.0
	if ctx.Err() != nil {
		flag = 1
	}
	agreed, err := t.dctx.AggregateScalar(flag, distributed.Max)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "stopped at step %d", t.state.Step)
		}
		return errors.Wrap(err, "agree on stop")
	}
	if agreed == 0 {
		return nil
	}
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return errors.Wrapf(cause, "stopped at step %d", t.state.Step)
}

// step accumulates one window and applies one update. It returns the sum of
// the unscaled micro-batch losses.
func (t *Trainer) step(source data.Source) (float64, error) {
	n := t.settings.GradientAccumulationSteps
	total := model.ZeroLoss()
	var lossSum float64
	for i := 0; i < n; i++ {
		batch, err := source.Next()
		if err != nil {
			return 0, errors.Wrap(err, "load batch")
		}
		out, err := t.model.Forward(t.dctx.Autocast(batch.Inputs))
		if err != nil {
			return 0, errors.Wrap(err, "forward")
		}
		if t.hooks.OnForward != nil {
			t.hooks.OnForward()
		}
		loss, err := t.criterion.Forward(out, batch.Labels)
		if err != nil {
			return 0, errors.Wrap(err, "loss")
		}
		lossSum += loss.Value()
		total = total.Add(loss.Scale(1 / float64(n)))
	}

	if err := t.dctx.Backward(total); err != nil {
		return 0, errors.Wrap(err, "backward")
	}
	if _, err := t.dctx.ClipGradients(t.settings.MaxGradNorm); err != nil {
		return 0, err
	}
	if err := t.dctx.Barrier(); err != nil {
		return 0, errors.Wrap(err, "barrier")
	}
	if _, err := t.dctx.Step(t.opt); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	t.opt.ZeroGrad()
	t.state.Step++
	if t.hooks.OnUpdate != nil {
		t.hooks.OnUpdate(t.state.Step)
	}
	return lossSum, nil
}

// windowAverage combines every rank's micro-batch loss sum and count.
func (t *Trainer) windowAverage(sum, count float64) (float64, error) {
	agg, err := t.dctx.AllReduce([]float64{sum, count}, distributed.Sum)
	if err != nil {
		return 0, errors.Wrap(err, "aggregate training loss")
	}
	if agg[1] == 0 {
		return 0, nil
	}
	return agg[0] / agg[1], nil
}

func (t *Trainer) evaluateAndCheckpoint(ctx context.Context) error {
	val, err := t.evaluate(ctx)
	if err != nil {
		return stageError(StageEvaluation, err)
	}
	if val < t.state.BestMetric {
		t.lg.Info("validation loss improved",
			zap.Int("step", t.state.Step),
			zap.Float64("previous", t.state.BestMetric),
			zap.Float64("current", val),
		)
		t.state.BestMetric = val
		if err := t.Save(ctx, "best"); err != nil {
			return stageError(StageCheckpoint, err)
		}
	}
	if t.settings.SavePeriodic {
		label := strconv.Itoa(t.state.Step / t.settings.EvalEvery())
		if err := t.Save(ctx, label); err != nil {
			return stageError(StageCheckpoint, err)
		}
		if err := t.dctx.Consensus(t.store.Prune(t.settings.MaxCheckpoints)); err != nil {
			return stageError(StageCheckpoint, err)
		}
	}
	return nil
}
