package logger

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/consensus-observer/logger"
)

func Test_logger_for_tests(t *testing.T) {
	t.Skip("this test is only for visually checking the output")

	l := NewLvl(t, slog.LevelInfo)
	l.Error("now thats really bad", logger.Error(fmt.Errorf("what now")))
	l.Info("so you know", logger.Epoch(1), logger.Round(2))
	l.Debug("this shouldn't show up in the log")
	t.Fail()
}

func Test_NOP(t *testing.T) {
	l := NOP()
	require.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.Error("not shown")
}
