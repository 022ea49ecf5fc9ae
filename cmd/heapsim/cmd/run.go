package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/host"
	"github.com/vkngwrapper/substrate/internal/sim"
	"golang.org/x/exp/slog"
)

func newRunCmd(config *baseConfiguration) *cobra.Command {
	return &cobra.Command{
		Use:   "run WORKLOAD...",
		Short: "Runs workload files in order against one allocator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkloads(cmd.Context(), cmd, config, args)
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check WORKLOAD...",
		Short: "Parses and validates workload files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				workload, err := readWorkload(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps\n", path, len(workload.Steps))
			}
			return nil
		},
	}
}

func readWorkload(path string) (*sim.Workload, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open workload")
	}
	defer file.Close()

	workload, err := sim.ParseWorkload(file)
	if err != nil {
		return nil, errors.Wrapf(err, "workload %s", path)
	}
	return workload, nil
}

func newMemory(ctx context.Context, config *baseConfiguration) (host.Memory, func() error, error) {
	if config.Backend == backendWazero {
		memory, err := host.NewWazeroMemory(ctx, config.InitialPages, config.MaxPages)
		if err != nil {
			return nil, nil, err
		}
		return memory, func() error { return memory.Close(ctx) }, nil
	}

	return host.NewLinearMemory(config.InitialPages, config.MaxPages), func() error { return nil }, nil
}

func runWorkloads(ctx context.Context, cmd *cobra.Command, config *baseConfiguration, paths []string) (err error) {
	logger, err := config.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	workloads := make([]*sim.Workload, 0, len(paths))
	for _, path := range paths {
		workload, err := readWorkload(path)
		if err != nil {
			return err
		}
		workloads = append(workloads, workload)
	}

	options, err := config.allocatorOptions()
	if err != nil {
		return err
	}

	memory, closeMemory, err := newMemory(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeMemory())
	}()

	allocator, err := alloc.New(logger, memory, options)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	runner := sim.NewRunner(logger, allocator, out)
	for i, workload := range workloads {
		logger.Info("running workload", slog.String("path", paths[i]), slog.Int("steps", len(workload.Steps)))

		err = runner.Run(ctx, workload)
		if err != nil {
			return errors.Wrapf(err, "workload %s", paths[i])
		}
	}

	if config.Stats != statsNone {
		_, err = fmt.Fprintln(out, allocator.BuildStatsString(config.Stats == statsDetailed))
	}
	return err
}
