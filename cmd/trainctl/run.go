package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/config"
	"github.com/tsawler/go-ddp/distributed"
	"github.com/tsawler/go-ddp/logutil"
	"github.com/tsawler/go-ddp/tracking"
	"github.com/tsawler/go-ddp/training"
)

const defaultConfigPath = "./config/default.yaml"

func newRun() *cobra.Command {
	var (
		mode       string
		checkpoint string
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Train or evaluate from a plain YAML config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return initFailure(err)
			}
			if cmd.Flags().Changed("mode") || !cfg.Has("mode") {
				cfg.Set("mode", mode)
			}
			if cmd.Flags().Changed("checkpoint") {
				cfg.Set("checkpoint", checkpoint)
			}
			return execute(cmd.Context(), cfg, executeOptions{})
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", training.ModeTrain, "'train' or 'inference'")
	cmd.Flags().StringVarP(&checkpoint, "checkpoint", "c", "", "checkpoint to resume from or evaluate")
	cmd.Flags().StringVarP(&configPath, "config", "d", defaultConfigPath, "experiment YAML")
	return cmd
}

type executeOptions struct {
	// manual forms the process group directly instead of through
	// distributed.Accelerate.
	manual bool
	// outputs, when set, is the root under which the primary's clock names
	// the run directory. It receives the resolved config and overrides and
	// replaces experiment.log_dir.
	outputs   string
	overrides []string
}

func initFailure(err error) error {
	return &training.StageError{Stage: training.StageInitialization, Err: err}
}

// execute runs one mode of the experiment described by cfg on this process.
// Every process of the group runs it with the same cfg.
func execute(ctx context.Context, cfg *config.Config, eo executeOptions) (err error) {
	s, err := training.SettingsFromConfig(cfg)
	if err != nil {
		return initFailure(err)
	}
	if s.Mode == training.ModeInference && s.Checkpoint == "" {
		return initFailure(errors.New("inference needs a checkpoint"))
	}

	base, err := logutil.New(logLevel, logOutputs)
	if err != nil {
		return initFailure(err)
	}
	defer base.Sync()

	dctx, closeGroup, err := openContext(ctx, s, base, eo.manual)
	if err != nil {
		return initFailure(err)
	}
	defer func() {
		err = multierr.Append(err, closeGroup())
	}()
	lg := dctx.Logger()

	var runDir string
	if eo.outputs != "" {
		if runDir, err = agreeRunDir(dctx, eo.outputs, time.Now()); err != nil {
			return initFailure(err)
		}
		cfg.Set("experiment.log_dir", runDir)
		s.LogDir = runDir
	}

	runID := tracking.NewRunID()
	var tracker tracking.Tracker = tracking.Nop{}
	var mirror checkpoints.Mirror
	var local error
	if dctx.IsPrimary() {
		if runDir != "" {
			local = config.WriteRun(runDir, cfg, eo.overrides)
		}
		cleanup := nop
		if local == nil {
			tracker, mirror, cleanup, local = setupPrimary(ctx, s, cfg, lg)
		}
		defer func() {
			err = multierr.Append(err, cleanup())
		}()
		if local == nil {
			var d []byte
			if d, local = cfg.Dump(); local == nil {
				dctx.Print(string(d))
				dctx.Print(fmt.Sprintf("output directory: %s", s.RunDir()))
				dctx.Print(fmt.Sprintf("number of processes: %d", dctx.WorldSize()))
			}
		}
	}
	if err := dctx.Consensus(local); err != nil {
		return initFailure(err)
	}

	store := checkpoints.NewStore(checkpoints.Config{
		Directory: s.RunDir(),
		Format:    s.Format,
		Primary:   dctx.IsPrimary(),
		Mirror:    mirror,
		Logger:    lg,
	})
	trainer, err := training.New(s, dctx,
		training.WithTracker(tracker),
		training.WithStore(store),
		training.WithRunID(runID),
		training.WithProgress(os.Stderr),
	)
	if err != nil {
		return err
	}
	if s.Checkpoint != "" {
		if err := trainer.Load(s.Checkpoint); err != nil {
			return err
		}
	}

	lg.Info("starting", zap.String("mode", s.Mode), zap.String("run-id", runID), zap.Int("world-size", dctx.WorldSize()))
	switch s.Mode {
	case training.ModeTrain:
		return trainer.Train(ctx)
	case training.ModeInference:
		_, err := trainer.Inference(ctx)
		return err
	}
	return initFailure(errors.Errorf("unknown mode %q", s.Mode))
}

// setupPrimary prepares what only the primary owns: trackers, the checkpoint
// mirror. cleanup is always safe to call.
func setupPrimary(ctx context.Context, s training.Settings, cfg *config.Config, lg *zap.Logger) (tracking.Tracker, checkpoints.Mirror, func() error, error) {
	trackers, stopMetrics := primaryTrackers(s, lg)
	if err := trackers.Init(s.RunName, cfg.Flatten("/")); err != nil {
		stopMetrics()
		return tracking.Nop{}, nil, nop, err
	}
	cleanup := func() error {
		defer stopMetrics()
		return trackers.Close()
	}

	var mirror checkpoints.Mirror
	if s.S3Bucket != "" {
		m, err := checkpoints.NewS3Mirror(ctx, s.S3Bucket, s.S3Prefix)
		if err != nil {
			return trackers, nil, cleanup, err
		}
		mirror = m
	}
	return trackers, mirror, cleanup, nil
}

func nop() error { return nil }

func openContext(ctx context.Context, s training.Settings, lg *zap.Logger, manual bool) (*distributed.Context, func() error, error) {
	opts := distributed.Options{
		MixedPrecision:       s.MixedPrecision,
		FindUnusedParameters: s.FindUnusedParameters,
		Logger:               lg,
	}
	if !manual {
		dctx, err := distributed.Accelerate(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return dctx, dctx.Close, nil
	}

	boot, err := distributed.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	group, err := distributed.Initialize(ctx, boot.Rank, boot.Addr, boot.Port, distributed.GroupOptions{Logger: lg})
	if err != nil {
		return nil, nil, err
	}
	dctx, err := distributed.NewContext(group, opts)
	if err != nil {
		return nil, nil, multierr.Append(err, group.Finalize())
	}
	return dctx, group.Finalize, nil
}

// primaryTrackers fans scalars out to the log, the run's scalar file and,
// when experiment.metrics_addr is set, Prometheus gauges served over HTTP.
func primaryTrackers(s training.Settings, lg *zap.Logger) (tracking.Multi, func()) {
	trackers := tracking.Multi{
		tracking.NewZap(lg),
		tracking.NewScalarWriter(s.RunDir()),
	}
	if s.MetricsAddr == "" {
		return trackers, func() {}
	}

	reg := prometheus.NewRegistry()
	trackers = append(trackers, tracking.NewPrometheus(reg, "ddp"))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Warn("metrics server stopped", zap.String("addr", s.MetricsAddr), zap.Error(err))
		}
	}()
	lg.Info("serving metrics", zap.String("addr", s.MetricsAddr))
	return trackers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
