// trainctl trains and evaluates the classifier on one or more processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-ddp/logutil"
)

var rootCmd = &cobra.Command{
	Use:           "trainctl",
	Short:         "Distributed data-parallel training CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.EnablePrefixMatching = true
}

var (
	logLevel   string
	logOutputs []string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", logutil.DefaultLogLevel, "Logging level")
	rootCmd.PersistentFlags().StringSliceVar(&logOutputs, "log-outputs", []string{"stderr"}, "Additional logger outputs")

	rootCmd.AddCommand(
		newRun(),
		newHydra(),
		newDDP(),
		newLaunch(),
		newVersion(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
