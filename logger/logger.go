package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// LevelTrace is more verbose than Debug, used for dumping message content.
const LevelTrace slog.Level = slog.LevelDebug - 4

/*
LogConfiguration describes the logger to build with New. Zero value is a valid
configuration which logs on Info level in text format to stderr.
*/
type LogConfiguration struct {
	// one of "trace", "debug", "info", "warn", "error"
	Level string `yaml:"defaultLevel"`
	// one of "text", "json", "ecs" or "console"
	Format string `yaml:"format"`
	// "stdout", "stderr", "discard" or file name
	OutputPath string `yaml:"outputPath"`
	// Go time format layout, "none" to drop the timestamp
	TimeFormat string `yaml:"timeFormat"`
	// "none", "short" or empty for full peer ID
	PeerIDFormat string `yaml:"peerIdFormat"`
	// disable colors of the console format
	NoColors bool `yaml:"noColors"`

	// writer overrides OutputPath, used by tests
	writer io.Writer
}

// LoadConfiguration reads logger configuration from YAML file.
func LoadConfiguration(filename string) (*LogConfiguration, error) {
	f, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("opening logger config file: %w", err)
	}
	defer f.Close()

	cfg := &LogConfiguration{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding logger config: %w", err)
	}
	return cfg, nil
}

// SetWriter makes the logger write to "w" instead of OutputPath.
func (cfg *LogConfiguration) SetWriter(w io.Writer) {
	cfg.writer = w
}

/*
New creates slog.Logger according to the configuration. Nil configuration
is the same as zero value configuration.
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.writer
	if out == nil {
		if out, err = outputWriter(cfg.OutputPath); err != nil {
			return nil, err
		}
	}

	h, err := cfg.handler(out, level)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

func (cfg *LogConfiguration) handler(out io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts.ReplaceAttr = chainFormatters(levelFormatter(false), timeFormatter(cfg.TimeFormat), peerIDFormatter(cfg.PeerIDFormat), dataAsJSON)
		return slog.NewTextHandler(out, opts), nil
	case "json":
		opts.ReplaceAttr = chainFormatters(levelFormatter(false), timeFormatter(cfg.TimeFormat), peerIDFormatter(cfg.PeerIDFormat))
		return slog.NewJSONHandler(out, opts), nil
	case "ecs":
		opts.AddSource = true
		opts.ReplaceAttr = chainFormatters(levelFormatter(true), timeFormatter(cfg.TimeFormat), peerIDFormatter(cfg.PeerIDFormat), formatAttrECS)
		return slog.NewJSONHandler(out, opts), nil
	case "console":
		cw := zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColors, TimeFormat: "15:04:05.000"}
		if cfg.TimeFormat == "none" {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		// zerolog parses the timestamp so it must stay in default format
		opts.ReplaceAttr = chainFormatters(levelFormatter(true), peerIDFormatter(cfg.PeerIDFormat), consoleFields)
		return slog.NewJSONHandler(cw, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// ParseLevel converts level name to slog.Level, empty string is Info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "trace":
		return LevelTrace, nil
	case "":
		return slog.LevelInfo, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return lvl, nil
}

func outputWriter(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory for log file: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
