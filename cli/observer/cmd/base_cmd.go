package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/alphabill-org/consensus-observer/observability"
)

type observerApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
}

// New creates the consensus observer command line application.
func New(logF LoggerFactory) *observerApp {
	baseCmd, baseConfig := newBaseCmd(logF)
	baseCmd.AddCommand(newRunCmd(baseConfig))
	baseCmd.AddCommand(newIdentifierCmd(baseConfig))
	return &observerApp{baseCmd: baseCmd, baseConfig: baseConfig}
}

// Execute runs the command selected by the command line arguments.
func (a *observerApp) Execute(ctx context.Context) (err error) {
	defer func() {
		if a.baseConfig.observe != nil {
			err = errors.Join(err, a.baseConfig.observe.Shutdown())
		}
	}()
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd(logF LoggerFactory) (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{loggerBuilder: logF}
	baseCmd := &cobra.Command{
		Use:           "observer",
		Short:         "Consensus observer node",
		Long:          `Consensus observer follows the consensus of the validators without voting and forwards the committed blocks to the execution pipeline.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// subcommands which do not define PersistentPreRunE inherit this one
			if err := initializeConfig(cmd, config); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}
	config.addConfigurationFlags(baseCmd)
	return baseCmd, config
}

func initializeConfig(cmd *cobra.Command, config *baseConfiguration) error {
	if err := config.initializeConfig(cmd); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}

	log, err := config.initLogger(cmd)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	metrics, err := cmd.Flags().GetString(keyMetrics)
	if err != nil {
		return fmt.Errorf("reading flag %q: %w", keyMetrics, err)
	}
	tracing, err := cmd.Flags().GetString(keyTracing)
	if err != nil {
		return fmt.Errorf("reading flag %q: %w", keyTracing, err)
	}
	if config.observe, err = observability.New(metrics, tracing, log); err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	config.initConfigFileLocation()
	if config.configFileExists() {
		v.SetConfigFile(config.CfgFile)
	}

	// missing config file is OK but we fail when the file can't be parsed
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	// flag --foo binds to the environment variable OBS_FOO
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// bindFlags assigns the value from config file or environment to each flag not set on the command line.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyHome || f.Name == keyConfig {
			return
		}

		// env variables can't have dashes, --pipeline-queue-size binds to OBS_PIPELINE_QUEUE_SIZE
		if strings.Contains(f.Name, "-") {
			if err := v.BindEnv(f.Name, envKey(strings.ReplaceAll(f.Name, "-", "_"))); err != nil {
				errs = append(errs, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}

		if !f.Changed && v.IsSet(f.Name) {
			if err := setFlagValue(cmd.Flags(), f, v.Get(f.Name)); err != nil {
				errs = append(errs, fmt.Errorf("setting flag %q value: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

/*
setFlagValue assigns "val" to the flag. Slice flags are set item by item as
the values of the config file are decoded into []any.
*/
func setFlagValue(fs *pflag.FlagSet, f *pflag.Flag, val any) error {
	items, ok := val.([]any)
	if !ok {
		return fs.Set(f.Name, fmt.Sprintf("%v", val))
	}
	for _, item := range items {
		if err := fs.Set(f.Name, fmt.Sprintf("%v", item)); err != nil {
			return err
		}
	}
	return nil
}
