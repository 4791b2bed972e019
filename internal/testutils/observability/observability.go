package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	testlogr "github.com/alphabill-org/consensus-observer/internal/testutils/logger"
	"github.com/alphabill-org/consensus-observer/observability"
)

/*
NOPObservability creates observability implementation where everything is no-op.
Use it for tests for which it absolutely doesn't make sense to create any logs, traces or metrics.
*/
func NOPObservability() *observability.Observability {
	return observability.NOP(testlogr.NOP())
}

// Default logs to the test log, metrics and traces are discarded.
func Default(t testing.TB) *observability.Observability {
	return observability.NOP(testlogr.New(t))
}

/*
WithMetrics logs to the test log and collects metrics into manual reader
so that tests can inspect them with CollectMetrics.
*/
func WithMetrics(t testing.TB) (*observability.Observability, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return observability.NewWithProviders(testlogr.New(t), mp, nil), reader
}

// CollectMetrics returns all metrics collected by the reader, indexed by metric name.
func CollectMetrics(t testing.TB, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	res := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			res[m.Name] = m
		}
	}
	return res
}

// SumOf returns sum of all data points of the Int64 counter "name", zero if the metric is not found.
func SumOf(t testing.TB, reader *sdkmetric.ManualReader, name string) int64 {
	m, ok := CollectMetrics(t, reader)[name]
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %q is %T, not Int64 sum", name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}
