package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	p2ptest "github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func Test_timeFormatter(t *testing.T) {
	t.Run("empty format string", func(t *testing.T) {
		require.Nil(t, timeFormatter(""))
	})

	t.Run("format: none", func(t *testing.T) {
		f := timeFormatter("none")
		require.NotNil(t, f)
		now := time.Now()

		require.Equal(t, slog.Attr{}, f(nil, slog.Time(slog.TimeKey, now)))
		// time in a group is not the record time
		require.True(t, f([]string{"g"}, slog.Time(slog.TimeKey, now)).Equal(slog.Time(slog.TimeKey, now)))
		require.True(t, f(nil, slog.Time("foo", now)).Equal(slog.Time("foo", now)))
	})

	t.Run("format: layout", func(t *testing.T) {
		f := timeFormatter("15:04:05.0000")
		require.NotNil(t, f)

		// zero time is not changed
		require.Equal(t, slog.Time(slog.TimeKey, time.Time{}), f(nil, slog.Time(slog.TimeKey, time.Time{})))

		now := time.Now()
		require.Equal(t, now.Format("15:04:05.0000"), f(nil, slog.Time(slog.TimeKey, now)).Value.String())
	})
}

func Test_chainFormatters(t *testing.T) {
	add := func(n int64) attrFormatter {
		return func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+n) }
	}
	drop := func(groups []string, a slog.Attr) slog.Attr { return slog.Attr{} }

	require.Nil(t, chainFormatters())
	require.Nil(t, chainFormatters(nil, nil))

	f := chainFormatters(add(1), nil, add(2), add(4))
	require.EqualValues(t, 7, f(nil, slog.Int64("n", 0)).Value.Int64())

	// formatters after the one which drops the attribute are not called
	f = chainFormatters(add(1), drop, func(groups []string, a slog.Attr) slog.Attr {
		t.Error("unexpected call")
		return a
	})
	require.Equal(t, slog.Attr{}, f(nil, slog.Int64("n", 0)))
}

func Test_peerIDFormatter(t *testing.T) {
	id, err := p2ptest.RandPeerID()
	require.NoError(t, err)

	require.Nil(t, peerIDFormatter(""))

	f := peerIDFormatter("none")
	require.Equal(t, slog.Attr{}, f(nil, PeerID(id)))
	require.Equal(t, slog.String("foo", "bar"), f(nil, slog.String("foo", "bar")))

	f = peerIDFormatter("short")
	a := f(nil, NodeID(id))
	require.Equal(t, NodeIDKey, a.Key)
	require.Equal(t, ShortID(id), a.Value.String())
	require.Len(t, a.Value.String(), 9)
}

func Test_levelFormatter(t *testing.T) {
	f := levelFormatter(false)
	require.Equal(t, "TRACE", f(nil, slog.Any(slog.LevelKey, LevelTrace)).Value.String())
	require.Equal(t, "INFO", f(nil, slog.Any(slog.LevelKey, slog.LevelInfo)).Value.String())

	f = levelFormatter(true)
	require.Equal(t, "trace", f(nil, slog.Any(slog.LevelKey, LevelTrace)).Value.String())
	require.Equal(t, "warn", f(nil, slog.Any(slog.LevelKey, slog.LevelWarn)).Value.String())
}

func Test_New(t *testing.T) {
	id, err := p2ptest.RandPeerID()
	require.NoError(t, err)

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(&LogConfiguration{Level: "loud"})
		require.ErrorContains(t, err, `invalid log level "loud"`)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := New(&LogConfiguration{Format: "xml"})
		require.EqualError(t, err, `unknown log format "xml"`)
	})

	t.Run("ecs", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cfg := &LogConfiguration{Level: "trace", Format: "ecs", TimeFormat: "none"}
		cfg.SetWriter(buf)
		log, err := New(cfg)
		require.NoError(t, err)

		log.With(NodeID(id)).Log(context.Background(), LevelTrace, "hello", Epoch(3), Round(9))
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		require.Equal(t, "hello", rec["message"])
		require.EqualValues(t, 3, rec[EpochKey])
		require.EqualValues(t, 9, rec[RoundKey])
		require.Equal(t, "trace", rec["log.level"])
		require.Equal(t, id.String(), rec["service.node.name"])
		require.Contains(t, rec, "log.origin")
		require.NotContains(t, rec, slog.TimeKey)
	})

	t.Run("level filter", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cfg := &LogConfiguration{Level: "warn", Format: "text"}
		cfg.SetWriter(buf)
		log, err := New(cfg)
		require.NoError(t, err)
		log.Info("not shown")
		require.Zero(t, buf.Len())
		log.Warn("shown", Data(struct{ A int }{A: 1}))
		require.Contains(t, buf.String(), `data="{\"A\":1}"`)
	})

	t.Run("console", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cfg := &LogConfiguration{Format: "console", NoColors: true}
		cfg.SetWriter(buf)
		log, err := New(cfg)
		require.NoError(t, err)
		log.Info("synced", Round(42))
		require.Contains(t, buf.String(), "INF synced")
		require.Contains(t, buf.String(), "round=42")
	})
}
