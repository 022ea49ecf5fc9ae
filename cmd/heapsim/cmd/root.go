package cmd

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type heapsimApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
}

// New creates a new heapsim application
func New() *heapsimApp {
	baseCmd, baseConfig := newBaseCmd()
	return &heapsimApp{baseCmd, baseConfig}
}

// Execute adds all child commands and runs the application
func (a *heapsimApp) Execute(ctx context.Context) error {
	a.baseCmd.AddCommand(newRunCmd(a.baseConfig))
	a.baseCmd.AddCommand(newCheckCmd())
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd() (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{}
	var baseCmd = &cobra.Command{
		Use:           "heapsim",
		Short:         "Runs sequence workloads against the substrate allocator",
		Long:          `heapsim replays yaml workloads of append, concatenate and set-length operations on a heap in simulated linear memory, and reports the sequences and heap statistics that result.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.initializeConfig(cmd); err != nil {
				return errors.Wrap(err, "failed to initialize configuration")
			}
			return config.validate()
		},
	}
	config.addConfigurationFlags(baseCmd)

	return baseCmd, config
}
