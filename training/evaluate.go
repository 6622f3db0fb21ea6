package training

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/data"
	"github.com/tsawler/go-ddp/distributed"
	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/tensor"
)

// Evaluate computes the validation loss over the whole validation set. Each
// rank runs its own shard once with gradients disabled; loss sums and sample
// counts are summed across ranks, so every rank returns the same average. The
// primary then steps the scheduler and the resulting learning rate is
// broadcast to every rank.
func (t *Trainer) Evaluate(ctx context.Context) (float64, error) {
	sum, count, localErr := t.validationPartials()
	if err := t.dctx.Consensus(localErr); err != nil {
		return 0, err
	}

	totalSum, err := t.dctx.AggregateScalar(sum, distributed.Sum)
	if err != nil {
		return 0, errors.Wrap(err, "aggregate validation loss")
	}
	totalCount, err := t.dctx.AggregateScalar(count, distributed.Sum)
	if err != nil {
		return 0, errors.Wrap(err, "aggregate validation count")
	}
	if totalCount == 0 {
		return 0, ErrEmptyEvaluation
	}
	avg := totalSum / totalCount

	lr := t.opt.GetLearningRate()
	if t.dctx.IsPrimary() {
		lr = t.sched.Step(avg, lr)
		if err := t.tracker.Log(map[string]float64{"Loss/val": avg}, t.state.Step); err != nil {
			t.lg.Warn("failed to report scalars", zap.Error(err))
		}
		t.lg.Info("validation",
			zap.Int("step", t.state.Step),
			zap.Float64("loss", avg),
			zap.Float64("samples", totalCount),
			zap.Float64("lr", lr),
		)
	}
	agreed, err := t.dctx.Broadcast(0, []float64{lr})
	if err != nil {
		return 0, errors.Wrap(err, "broadcast learning rate")
	}
	t.opt.SetLearningRate(agreed[0])
	return avg, nil
}

// validationPartials returns this rank's loss sum (loss times batch size) and
// sample count.
func (t *Trainer) validationPartials() (sum, count float64, err error) {
	defer model.NoGrad(t.model)()

	it := t.validLoader.Epoch(0)
	for {
		batch, ok, err := it.Next()
		if err != nil {
			return 0, 0, errors.Wrap(err, "load validation batch")
		}
		if !ok {
			return sum, count, nil
		}
		out, err := t.model.Forward(t.dctx.Autocast(batch.Inputs))
		if err != nil {
			return 0, 0, errors.Wrap(err, "forward")
		}
		loss, err := t.criterion.Forward(out, batch.Labels)
		if err != nil {
			return 0, 0, errors.Wrap(err, "loss")
		}
		n := float64(batch.Size())
		sum += loss.Value() * n
		count += n
	}
}

// snapshot captures the state to checkpoint, with parameters under their
// canonical names.
func (t *Trainer) snapshot(label string) (*checkpoints.Checkpoint, error) {
	optState, err := t.opt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state")
	}
	return &checkpoints.Checkpoint{
		Weights:        checkpoints.StateDict(t.model.NamedParameters(), t.dctx.Namer()),
		TrainingState:  t.state.checkpoint(),
		OptimizerState: optState,
		SchedulerState: t.sched.State(),
		Metadata: checkpoints.Metadata{
			RunID:       t.runID,
			Milestone:   label,
			Description: t.settings.RunName,
		},
	}, nil
}

// Save checkpoints the current state under label. Only the primary writes;
// every rank must call Save and every rank gets the outcome of the write.
func (t *Trainer) Save(ctx context.Context, label string) error {
	var path string
	var local error
	if t.dctx.IsPrimary() {
		ckpt, err := t.snapshot(label)
		if err == nil {
			path, err = t.store.Save(ctx, ckpt, label)
		}
		local = err
	}
	if err := t.dctx.Consensus(local); err != nil {
		return errors.Wrapf(err, "save checkpoint %q", label)
	}
	if path != "" {
		t.lg.Info("checkpoint saved",
			zap.String("label", label),
			zap.String("path", path),
			zap.Int("step", t.state.Step),
			zap.Float64("best-metric", t.state.BestMetric),
		)
	}
	return nil
}

// Load restores parameters, optimizer, scheduler and training state from the
// checkpoint at path. Every rank reads the file; parameter names are matched
// regardless of whether the checkpoint came from a wrapped model.
func (t *Trainer) Load(path string) error {
	local := t.load(path)
	if err := t.dctx.Consensus(local); err != nil {
		return stageError(StageCheckpoint, errors.Wrapf(err, "load %q", path))
	}
	t.lg.Info("checkpoint loaded",
		zap.String("path", path),
		zap.Int("step", t.state.Step),
		zap.Float64("best-metric", t.state.BestMetric),
	)
	return nil
}

func (t *Trainer) load(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	if err := checkpoints.ApplyModel(ckpt, t.model.NamedParameters(), t.dctx.Namer()); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil {
		if err := t.opt.LoadState(ckpt.OptimizerState); err != nil {
			return errors.Wrap(err, "optimizer state")
		}
	}
	if ckpt.SchedulerState != nil {
		if ckpt.SchedulerState.Type == t.sched.GetName() {
			if err := t.sched.LoadState(ckpt.SchedulerState); err != nil {
				return errors.Wrap(err, "scheduler state")
			}
		} else {
			t.lg.Warn("ignoring scheduler state of another scheduler",
				zap.String("saved", ckpt.SchedulerState.Type),
				zap.String("configured", t.sched.GetName()),
			)
		}
	}
	t.state = stateFromCheckpoint(ckpt.TrainingState)
	return nil
}

// Inference predicts the validation set and scores it. Labels and predictions
// are gathered from every rank, so every rank returns the same metrics; only
// the primary reports them.
func (t *Trainer) Inference(ctx context.Context) (Metrics, error) {
	labels, preds, localErr := t.predict(t.validLoader)
	if err := t.dctx.Consensus(localErr); err != nil {
		return Metrics{}, stageError(StageEvaluation, err)
	}

	allLabels, err := t.gatherInts(labels)
	if err != nil {
		return Metrics{}, stageError(StageEvaluation, err)
	}
	allPreds, err := t.gatherInts(preds)
	if err != nil {
		return Metrics{}, stageError(StageEvaluation, err)
	}
	m, err := ComputeMetrics(allLabels, allPreds, t.settings.NumClasses, t.settings.ClassNames)
	if err != nil {
		return Metrics{}, stageError(StageEvaluation, err)
	}
	if t.dctx.IsPrimary() {
		t.lg.Info("inference",
			zap.Int("samples", m.Samples),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("macro-f1", m.MacroF1),
			zap.Float64("weighted-f1", m.WeightedF1),
		)
		if err := t.tracker.Log(map[string]float64{
			"Accuracy/val":   m.Accuracy,
			"MacroF1/val":    m.MacroF1,
			"WeightedF1/val": m.WeightedF1,
		}, t.state.Step); err != nil {
			t.lg.Warn("failed to report scalars", zap.Error(err))
		}
		t.dctx.Print(m.String())
	}
	return m, nil
}

func (t *Trainer) predict(loader *data.Loader) (labels, preds []int, err error) {
	defer model.NoGrad(t.model)()

	it := loader.Epoch(0)
	for {
		batch, ok, err := it.Next()
		if err != nil {
			return nil, nil, errors.Wrap(err, "load batch")
		}
		if !ok {
			return labels, preds, nil
		}
		out, err := t.model.Forward(t.dctx.Autocast(batch.Inputs))
		if err != nil {
			return nil, nil, errors.Wrap(err, "forward")
		}
		labels = append(labels, batch.Labels...)
		preds = append(preds, tensor.ArgMaxRows(out.Logits)...)
	}
}

func (t *Trainer) gatherInts(local []int) ([]int, error) {
	vals := make([]float64, len(local))
	for i, v := range local {
		vals[i] = float64(v)
	}
	parts, err := t.dctx.AllGather(vals)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, part := range parts {
		for _, v := range part {
			out = append(out, int(v))
		}
	}
	return out, nil
}
