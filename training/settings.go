package training

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/config"
	"github.com/tsawler/go-ddp/distributed"
)

const (
	ModeTrain     = "train"
	ModeInference = "inference"
)

// Settings is the typed view of the experiment document.
type Settings struct {
	Mode       string
	Checkpoint string

	Seed        int64
	LogDir      string
	RunName     string
	MetricsAddr string
	S3Bucket    string
	S3Prefix    string

	InputDim             int
	EmbedDim             int
	NumClasses           int
	AuxHead              bool
	FindUnusedParameters bool

	DataPath   string
	NumSamples int
	// NumWorkers bounds concurrent sample loads per batch.
	NumWorkers int
	// PrefetchDepth is how many training batches are loaded ahead of the
	// step; 0 loads in the step.
	PrefetchDepth int
	Noise         float64
	ClassNames    []string

	Optimizer                 string
	LearningRate              float64
	Steps                     int
	BatchSize                 int
	ValidBatchSize            int
	GradientAccumulationSteps int
	SaveCheckpointEvery       int
	LogEvery                  int
	MixedPrecision            string
	MaxGradNorm               float64
	SavePeriodic              bool
	MaxCheckpoints            int
	Format                    checkpoints.Format
	Scheduler                 string
	SchedulerFactor           float64
	SchedulerPatience         int
}

// DefaultSettings mirrors config/default.yaml.
func DefaultSettings() Settings {
	return Settings{
		Mode:                      ModeTrain,
		Seed:                      42,
		LogDir:                    "./runs",
		RunName:                   "default",
		InputDim:                  16,
		EmbedDim:                  256,
		NumClasses:                3,
		FindUnusedParameters:      true,
		NumSamples:                4096,
		NumWorkers:                2,
		PrefetchDepth:             2,
		Noise:                     0.5,
		ClassNames:                []string{"negative", "neutral", "positive"},
		Optimizer:                 "adam",
		LearningRate:              1e-4,
		Steps:                     2000,
		BatchSize:                 64,
		ValidBatchSize:            64,
		GradientAccumulationSteps: 1,
		SaveCheckpointEvery:       2,
		LogEvery:                  100,
		MixedPrecision:            string(distributed.PrecisionFP16),
		MaxGradNorm:               1.0,
		MaxCheckpoints:            5,
		Format:                    checkpoints.FormatProto,
		Scheduler:                 "plateau",
		SchedulerFactor:           0.8,
		SchedulerPatience:         5,
	}
}

type reader struct {
	cfg *config.Config
	err error
}

func (r *reader) intAt(path string, def int) int {
	v, err := r.cfg.Int(path, def)
	r.err = multierr.Append(r.err, err)
	return v
}

func (r *reader) floatAt(path string, def float64) float64 {
	v, err := r.cfg.Float(path, def)
	r.err = multierr.Append(r.err, err)
	return v
}

func (r *reader) stringAt(path string, def string) string {
	v, err := r.cfg.String(path, def)
	r.err = multierr.Append(r.err, err)
	return v
}

func (r *reader) boolAt(path string, def bool) bool {
	v, err := r.cfg.Bool(path, def)
	r.err = multierr.Append(r.err, err)
	return v
}

// precisionAt reads a mixed precision mode. An unquoted "no" in a YAML
// document decodes as false and means no mixed precision.
func (r *reader) precisionAt(path string, def string) string {
	if raw, ok := r.cfg.Lookup(path); ok {
		if b, isBool := raw.(bool); isBool && !b {
			return string(distributed.PrecisionNo)
		}
	}
	return r.stringAt(path, def)
}

func (r *reader) listAt(path string, def []string) []string {
	raw, ok := r.cfg.Lookup(path)
	if !ok {
		return def
	}
	list, ok := raw.([]any)
	if !ok {
		r.err = multierr.Append(r.err, errors.Errorf("config %s: expected a list, got %T", path, raw))
		return def
	}
	out := make([]string, len(list))
	for i := range list {
		out[i] = fmt.Sprint(list[i])
	}
	return out
}

// SettingsFromConfig reads every known key, falling back to DefaultSettings
// for absent ones. All coercion failures are reported together.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	d := DefaultSettings()
	r := &reader{cfg: cfg}
	s := Settings{
		Mode:       r.stringAt("mode", d.Mode),
		Checkpoint: r.stringAt("checkpoint", d.Checkpoint),

		Seed:        int64(r.intAt("experiment.seed", int(d.Seed))),
		LogDir:      r.stringAt("experiment.log_dir", d.LogDir),
		RunName:     r.stringAt("experiment.run_name", d.RunName),
		MetricsAddr: r.stringAt("experiment.metrics_addr", d.MetricsAddr),
		S3Bucket:    r.stringAt("experiment.s3_bucket", d.S3Bucket),
		S3Prefix:    r.stringAt("experiment.s3_prefix", d.S3Prefix),

		InputDim:             r.intAt("model.input_dim", d.InputDim),
		EmbedDim:             r.intAt("model.embed_dim", d.EmbedDim),
		NumClasses:           r.intAt("model.num_classes", d.NumClasses),
		AuxHead:              r.boolAt("model.aux_head", d.AuxHead),
		FindUnusedParameters: r.boolAt("model.find_unused_parameters", d.FindUnusedParameters),

		DataPath:      r.stringAt("data.path", d.DataPath),
		NumSamples:    r.intAt("data.num_samples", d.NumSamples),
		NumWorkers:    r.intAt("data.num_workers", d.NumWorkers),
		PrefetchDepth: r.intAt("data.prefetch_depth", d.PrefetchDepth),
		Noise:         r.floatAt("data.noise", d.Noise),
		ClassNames:    r.listAt("data.class_names", d.ClassNames),

		Optimizer:                 r.stringAt("train.optimizer", d.Optimizer),
		LearningRate:              r.floatAt("train.learning_rate", d.LearningRate),
		Steps:                     r.intAt("train.steps", d.Steps),
		BatchSize:                 r.intAt("train.batch_size", d.BatchSize),
		ValidBatchSize:            r.intAt("train.valid_batch_size", d.ValidBatchSize),
		GradientAccumulationSteps: r.intAt("train.gradient_accumulation_steps", d.GradientAccumulationSteps),
		SaveCheckpointEvery:       r.intAt("train.save_checkpoint_every", d.SaveCheckpointEvery),
		LogEvery:                  r.intAt("train.log_every", d.LogEvery),
		MixedPrecision:            r.precisionAt("train.mixed_precision", d.MixedPrecision),
		MaxGradNorm:               r.floatAt("train.max_grad_norm", d.MaxGradNorm),
		SavePeriodic:              r.boolAt("train.save_periodic", d.SavePeriodic),
		MaxCheckpoints:            r.intAt("train.max_checkpoints", d.MaxCheckpoints),
		Scheduler:                 r.stringAt("train.scheduler.name", d.Scheduler),
		SchedulerFactor:           r.floatAt("train.scheduler.factor", d.SchedulerFactor),
		SchedulerPatience:         r.intAt("train.scheduler.patience", d.SchedulerPatience),
	}
	format, err := checkpoints.ParseFormat(r.stringAt("train.format", d.Format.String()))
	r.err = multierr.Append(r.err, err)
	s.Format = format

	if r.err != nil {
		return Settings{}, r.err
	}
	return s, s.Validate()
}

// Validate checks ranges the loop depends on.
func (s Settings) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, errors.Errorf(format, args...))
		}
	}
	check(s.Mode == ModeTrain || s.Mode == ModeInference, "unknown mode %q (want %q or %q)", s.Mode, ModeTrain, ModeInference)
	check(s.Steps >= 0, "train.steps must not be negative, got %d", s.Steps)
	check(s.BatchSize > 0, "train.batch_size must be positive, got %d", s.BatchSize)
	check(s.ValidBatchSize > 0, "train.valid_batch_size must be positive, got %d", s.ValidBatchSize)
	check(s.GradientAccumulationSteps > 0, "train.gradient_accumulation_steps must be positive, got %d", s.GradientAccumulationSteps)
	check(s.LogEvery > 0, "train.log_every must be positive, got %d", s.LogEvery)
	check(s.SaveCheckpointEvery > 0, "train.save_checkpoint_every must be positive, got %d", s.SaveCheckpointEvery)
	check(s.NumWorkers > 0, "data.num_workers must be positive, got %d", s.NumWorkers)
	check(s.PrefetchDepth >= 0, "data.prefetch_depth must not be negative, got %d", s.PrefetchDepth)
	check(s.LearningRate > 0, "train.learning_rate must be positive, got %g", s.LearningRate)
	check(s.RunName != "", "experiment.run_name must be set")
	_, perr := distributed.ParsePrecision(s.MixedPrecision)
	check(perr == nil, "train.mixed_precision: %v", perr)
	return err
}

// EvalEvery is the number of steps between evaluations.
func (s Settings) EvalEvery() int {
	return s.SaveCheckpointEvery * s.LogEvery
}

// RunDir is where this run's checkpoints and scalars are written.
func (s Settings) RunDir() string {
	return filepath.Join(s.LogDir, s.RunName)
}
