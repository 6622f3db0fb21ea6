package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-ddp/distributed"
)

func newLaunch() *cobra.Command {
	var (
		nproc int
		addr  string
		port  int
	)
	cmd := &cobra.Command{
		Use:   "launch --nproc N -- <worker command>",
		Short: "Starts N local workers that form one process group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			argv, err := workerArgs(args)
			if err != nil {
				return err
			}
			return launch(cmd.Context(), launchConfig{
				nproc:  nproc,
				addr:   addr,
				port:   port,
				argv:   argv,
				stdout: os.Stdout,
				stderr: os.Stderr,
			})
		},
	}
	cmd.Flags().IntVar(&nproc, "nproc", 1, "number of worker processes")
	cmd.Flags().StringVar(&addr, "master-addr", "127.0.0.1", "rendezvous address")
	cmd.Flags().IntVar(&port, "master-port", 0, "rendezvous port (0 picks a free one)")
	return cmd
}

// workerArgs accepts either the worker command as separate arguments or as a
// single quoted string.
func workerArgs(args []string) ([]string, error) {
	if len(args) != 1 {
		return args, nil
	}
	argv, err := shellquote.Split(args[0])
	if err != nil {
		return nil, errors.Wrapf(err, "parse worker command %q", args[0])
	}
	if len(argv) == 0 {
		return nil, errors.New("empty worker command")
	}
	return argv, nil
}

type launchConfig struct {
	nproc  int
	addr   string
	port   int
	argv   []string
	stdout io.Writer
	stderr io.Writer
}

// launch runs cfg.nproc copies of the worker with the rank variables set and
// waits for all of them. The first failure stops the rest.
func launch(ctx context.Context, cfg launchConfig) error {
	if cfg.nproc < 1 {
		return errors.Errorf("--nproc must be positive, got %d", cfg.nproc)
	}
	if len(cfg.argv) == 0 {
		return errors.New("empty worker command")
	}
	if cfg.port == 0 {
		p, err := freePort(cfg.addr)
		if err != nil {
			return err
		}
		cfg.port = p
	}

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < cfg.nproc; r++ {
		boot := distributed.Bootstrap{
			Rank: distributed.Rank{Rank: r, LocalRank: r, WorldSize: cfg.nproc},
			Addr: cfg.addr,
			Port: cfg.port,
		}
		c := exec.CommandContext(gctx, cfg.argv[0], cfg.argv[1:]...)
		c.Env = append(os.Environ(), boot.Environ()...)
		c.Stdout, c.Stderr = cfg.stdout, cfg.stderr
		g.Go(func() error {
			if err := c.Run(); err != nil {
				return errors.Wrapf(err, "worker rank %d", r)
			}
			return nil
		})
	}
	return g.Wait()
}

func freePort(addr string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "pick a rendezvous port")
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
