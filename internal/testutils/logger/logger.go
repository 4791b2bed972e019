/*
Package logger provides loggers for tests, log output goes through t.Log
so it is shown only for failing tests (or when running with -v).
*/
package logger

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/alphabill-org/consensus-observer/logger"
)

// New returns logger for test "t" on debug level.
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, slog.LevelDebug)
}

/*
NewLvl returns logger for test "t" on given level. Colors are used unless
environment variable OBS_TEST_LOG_NO_COLORS is set to "true".
*/
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	noColors, _ := strconv.ParseBool(os.Getenv("OBS_TEST_LOG_NO_COLORS"))
	cfg := &logger.LogConfiguration{
		Level:        level.String(),
		Format:       "console",
		PeerIDFormat: "short",
		NoColors:     noColors,
	}
	if level <= logger.LevelTrace {
		cfg.Level = "trace"
	}
	cfg.SetWriter(testWriter{t: t})
	l, err := logger.New(cfg)
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}
	return l
}

// NOP returns logger which discards everything.
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testWriter struct {
	t testing.TB
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Helper()
	// console writer adds line break, t.Log adds one too
	tw.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
