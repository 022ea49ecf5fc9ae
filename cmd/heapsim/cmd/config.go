package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/substrate/alloc"
	"github.com/vkngwrapper/substrate/heap"
	"github.com/vkngwrapper/substrate/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// The prefix for configuration keys inside environment.
	envPrefix = "HEAPSIM"

	keyConfig = "config"

	flagNameBackend        = "backend"
	flagNameInitialPages   = "initial-pages"
	flagNameMaxPages       = "max-pages"
	flagNameAlgorithm      = "algorithm"
	flagNameStrategy       = "strategy"
	flagNameAlignment      = "alignment"
	flagNameUnsynchronized = "unsynchronized"
	flagNameStats          = "stats"
	flagNameLogLevel       = "log-level"

	backendLinear = "linear"
	backendWazero = "wazero"

	statsNone     = "none"
	statsSummary  = "summary"
	statsDetailed = "detailed"
)

type baseConfiguration struct {
	// Configuration file path. Settings in it apply to flags not given on the command line.
	CfgFile string

	Backend        string
	InitialPages   uint32
	MaxPages       uint32
	Algorithm      string
	Strategy       string
	Alignment      uint
	Unsynchronized bool
	Stats          string
	LogLevel       string
}

func (config *baseConfiguration) addConfigurationFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&config.CfgFile, keyConfig, "", "yaml config file with defaults for any of the other flags")

	flags.StringVar(&config.Backend, flagNameBackend, backendLinear, "host memory backing the heap, one of: linear, wazero")
	flags.Uint32Var(&config.InitialPages, flagNameInitialPages, 1, "64KiB pages of host memory to start with")
	flags.Uint32Var(&config.MaxPages, flagNameMaxPages, 256, "64KiB pages the host memory may grow to")
	flags.StringVar(&config.Algorithm, flagNameAlgorithm, heap.AlgorithmTLSF.String(), "heap algorithm, one of: TLSF, Bump")
	flags.StringVar(&config.Strategy, flagNameStrategy, metadata.AllocationStrategy(0).String(), "allocation strategy, one of: Balanced, MinMemory, MinTime, MinOffset")
	flags.UintVar(&config.Alignment, flagNameAlignment, heap.DefaultAlignment, "alignment of every block, a power of two")
	flags.BoolVar(&config.Unsynchronized, flagNameUnsynchronized, false, "create the allocator externally synchronized")
	flags.StringVar(&config.Stats, flagNameStats, statsSummary, "statistics printed after the workload, one of: none, summary, detailed")
	flags.StringVar(&config.LogLevel, flagNameLogLevel, "WARN", "logging level, one of: DEBUG, INFO, WARN, ERROR")
}

// initializeConfig reads in the config file and ENV variables if set.
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	if config.CfgFile != "" {
		v.SetConfigFile(config.CfgFile)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config file %s", config.CfgFile)
		}
	}

	// A flag like --max-pages binds to the environment variable HEAPSIM_MAX_PAGES
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return bindFlags(cmd, v)
}

// Bind each cobra flag to its associated viper configuration (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyConfig {
			return
		}

		// Environment variables can't have dashes in them, so bind them to their equivalent
		// keys with underscores
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				bindFlagErr = errors.CombineErrors(bindFlagErr, errors.Wrapf(err, "binding env to flag %q", f.Name))
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindFlagErr = errors.CombineErrors(bindFlagErr, errors.Wrapf(err, "setting flag %q value", f.Name))
				return
			}
		}
	})

	return bindFlagErr
}

var logLevels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

func (config *baseConfiguration) logger(w io.Writer) (*slog.Logger, error) {
	level, ok := logLevels[strings.ToUpper(config.LogLevel)]
	if !ok {
		return nil, errors.Errorf("unknown log level %q", config.LogLevel)
	}

	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(w)), nil
}

func (config *baseConfiguration) allocatorOptions() (alloc.CreateOptions, error) {
	algorithm, err := heap.ParseAlgorithm(config.Algorithm)
	if err != nil {
		return alloc.CreateOptions{}, err
	}

	strategy, err := metadata.ParseAllocationStrategy(config.Strategy)
	if err != nil {
		return alloc.CreateOptions{}, err
	}

	options := alloc.CreateOptions{
		Heap: heap.CreateOptions{
			Algorithm: algorithm,
			Strategy:  strategy,
			Alignment: config.Alignment,
		},
	}
	if config.Unsynchronized {
		options.Flags |= alloc.AllocatorCreateExternallySynchronized
	}

	return options, nil
}

func (config *baseConfiguration) validate() error {
	switch config.Backend {
	case backendLinear, backendWazero:
	default:
		return errors.Errorf("unknown backend %q", config.Backend)
	}

	switch config.Stats {
	case statsNone, statsSummary, statsDetailed:
	default:
		return errors.Errorf("unknown stats mode %q", config.Stats)
	}

	if config.InitialPages > config.MaxPages {
		return errors.Errorf("initial pages %d exceed max pages %d", config.InitialPages, config.MaxPages)
	}

	return nil
}
