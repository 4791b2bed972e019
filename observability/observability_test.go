package observability

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNew(t *testing.T) {
	log := slog.Default()

	t.Run("invalid exporters", func(t *testing.T) {
		_, err := New("foo", "", log)
		require.ErrorContains(t, err, `unsupported metrics exporter "foo"`)

		_, err = New("", "bar", log)
		require.ErrorContains(t, err, `unsupported trace exporter "bar"`)
	})

	t.Run("no exporters", func(t *testing.T) {
		o, err := New("", "", log)
		require.NoError(t, err)
		require.Nil(t, o.MetricsHandler())
		require.Nil(t, o.PrometheusRegisterer())
		require.Equal(t, log, o.Logger())
		require.NoError(t, o.Shutdown())
	})

	t.Run("prometheus", func(t *testing.T) {
		o, err := New("prometheus", "stdout", log)
		require.NoError(t, err)
		require.NotNil(t, o.PrometheusRegisterer())

		cnt, err := o.Meter("observer").Int64Counter("test.counter")
		require.NoError(t, err)
		cnt.Add(context.Background(), 3, metric.WithAttributes(Round(5), MsgType("ordered_block")))

		rec := httptest.NewRecorder()
		o.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `obs_test_counter_total`)
		require.NoError(t, o.Shutdown())
	})
}

func TestErrStatus(t *testing.T) {
	require.Equal(t, "ok", ErrStatus(nil).Value.AsString())
	require.Equal(t, "err", ErrStatus(context.Canceled).Value.AsString())
}
