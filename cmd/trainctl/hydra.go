package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-ddp/config"
	"github.com/tsawler/go-ddp/distributed"
)

func newHydra() *cobra.Command {
	return newComposedCommand("hydra", "Train or evaluate from a composed config directory", false)
}

func newDDP() *cobra.Command {
	return newComposedCommand("ddp", "Like hydra, but joins the process group described by RANK, WORLD_SIZE and MASTER_ADDR directly", true)
}

// newComposedCommand builds a command that composes --config-name from
// --config-dir, applies key=value overrides and writes everything under
// <outputs>/<date>/<time>.
func newComposedCommand(use, short string, manual bool) *cobra.Command {
	var (
		configDir  string
		configName string
		outputs    string
	)
	cmd := &cobra.Command{
		Use:   use + " [key=value...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadHydra(configDir, configName, args)
			if err != nil {
				return initFailure(err)
			}
			return execute(cmd.Context(), cfg, executeOptions{
				manual:    manual,
				outputs:   outputs,
				overrides: args,
			})
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", "./config", "directory holding the primary config and its groups")
	cmd.Flags().StringVar(&configName, "config-name", "default", "primary config name")
	cmd.Flags().StringVar(&outputs, "outputs", "outputs", "root of the per-run output directories")
	return cmd
}

// agreeRunDir names the run directory under root from the primary's clock so
// that every rank logs and checkpoints into the same place.
func agreeRunDir(dctx *distributed.Context, root string, now time.Time) (string, error) {
	v, err := dctx.Broadcast(0, []float64{float64(now.Unix())})
	if err != nil {
		return "", errors.Wrap(err, "agree on run directory")
	}
	return config.RunDir(root, time.Unix(int64(v[0]), 0)), nil
}
