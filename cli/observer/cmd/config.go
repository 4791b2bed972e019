package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/observability"
)

type (
	LoggerFactory func(cfg *logger.LogConfiguration) (*slog.Logger, error)

	baseConfiguration struct {
		// HomeDir is the observer home directory, the default location of the other files.
		HomeDir string
		// CfgFile is the configuration file, relative to HomeDir unless absolute.
		CfgFile string
		// LogCfgFile is the logger configuration file, relative to HomeDir unless absolute.
		LogCfgFile string

		loggerBuilder LoggerFactory
		observe       *observability.Observability
	}
)

const (
	envPrefix               = "OBS"
	defaultConfigFile       = "config.props"
	defaultObserverDir      = ".consensus-observer"
	defaultLoggerConfigFile = "logger-config.yaml"

	keyHome    = "home"
	keyConfig  = "config"
	keyMetrics = "metrics"
	keyTracing = "tracing"

	flagNameLoggerCfgFile = "logger-config"
	flagNameLogOutputFile = "log-file"
	flagNameLogLevel      = "log-level"
	flagNameLogFormat     = "log-format"
)

func (r *baseConfiguration) addConfigurationFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.HomeDir, keyHome, "", fmt.Sprintf("set the OBS_HOME for this invocation (default is %s)", observerHomeDir()))
	cmd.PersistentFlags().StringVar(&r.CfgFile, keyConfig, "", fmt.Sprintf("config file URL (default is $OBS_HOME/%s)", defaultConfigFile))

	cmd.PersistentFlags().String(keyMetrics, "", "metrics exporter, disabled when not set. One of: stdout, prometheus")
	cmd.PersistentFlags().String(keyTracing, "", "traces exporter, disabled when not set. One of: stdout")

	cmd.PersistentFlags().StringVar(&r.LogCfgFile, flagNameLoggerCfgFile, defaultLoggerConfigFile, "logger config file URL. Considered absolute if starts with '/'. Otherwise relative from $OBS_HOME.")
	// no default values for these flags so that we know whether to use the value from logger config file
	cmd.PersistentFlags().String(flagNameLogOutputFile, "", "log file path or one of the special values: stdout, stderr, discard")
	cmd.PersistentFlags().String(flagNameLogLevel, "", "logging level, one of: TRACE, DEBUG, INFO, WARN, ERROR")
	cmd.PersistentFlags().String(flagNameLogFormat, "", "log format, one of: text, json, console, ecs")
}

// initConfigFileLocation resolves home dir and config file from the flags, environment or defaults.
func (r *baseConfiguration) initConfigFileLocation() {
	if r.HomeDir == "" {
		if r.HomeDir = os.Getenv(envKey(keyHome)); r.HomeDir == "" {
			r.HomeDir = observerHomeDir()
		}
	}

	if r.CfgFile == "" {
		if r.CfgFile = os.Getenv(envKey(keyConfig)); r.CfgFile == "" {
			r.CfgFile = defaultConfigFile
		}
	}
	r.CfgFile = r.pathInHome(r.CfgFile)
}

func (r *baseConfiguration) configFileExists() bool {
	_, err := os.Stat(r.CfgFile)
	return err == nil
}

// pathInHome returns "name" joined to the home dir unless it is absolute.
func (r *baseConfiguration) pathInHome(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.HomeDir, name)
}

/*
initLogger creates logger from the logger configuration file, the log flags
of the "cmd" override the values of the file. Missing default configuration
file is not an error.
*/
func (r *baseConfiguration) initLogger(cmd *cobra.Command) (*slog.Logger, error) {
	cfg := &logger.LogConfiguration{}
	cfgFile := filepath.Clean(r.pathInHome(r.LogCfgFile))
	if c, err := logger.LoadConfiguration(cfgFile); err == nil {
		cfg = c
	} else if !errors.Is(err, os.ErrNotExist) || cfgFile != filepath.Join(r.HomeDir, defaultLoggerConfigFile) {
		return nil, err
	}

	overrides := []struct {
		flag  string
		value *string
	}{
		{flagNameLogLevel, &cfg.Level},
		{flagNameLogFormat, &cfg.Format},
		{flagNameLogOutputFile, &cfg.OutputPath},
	}
	for _, o := range overrides {
		if !cmd.Flags().Changed(o.flag) {
			continue
		}
		v, err := cmd.Flags().GetString(o.flag)
		if err != nil {
			return nil, fmt.Errorf("reading %s flag value: %w", o.flag, err)
		}
		*o.value = v
	}

	l, err := r.loggerBuilder(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}

func envKey(key string) string {
	return strings.ToUpper(envPrefix + "_" + key)
}

func observerHomeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		panic("default user home dir not defined: " + err.Error())
	}
	return filepath.Join(dir, defaultObserverDir)
}
