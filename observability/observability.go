package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexp "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"
)

/*
Observability bundles the logger, meter and tracer providers used by the
observer node. Create it with New, zero value is not usable.
*/
type Observability struct {
	log *slog.Logger
	mp  metric.MeterProvider
	tp  trace.TracerProvider
	pr  *prometheus.Registry

	shutdownFuncs []func(context.Context) error
}

/*
New creates observability with given metrics and traces exporters. Supported
metrics exporters are "stdout" and "prometheus", traces can be exported to
"stdout". Empty exporter name means that no-op provider is used.
*/
func New(metrics, traces string, log *slog.Logger) (*Observability, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName("consensus-observer")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTEL resource: %w", err)
	}

	o := &Observability{
		log: log,
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
	}

	if metrics != "" {
		mp, err := o.initMeterProvider(metrics, res)
		if err != nil {
			return nil, fmt.Errorf("initialize meter provider: %w", err)
		}
		o.mp = mp
		o.shutdownFuncs = append(o.shutdownFuncs, mp.Shutdown)
	}

	if traces != "" {
		tp, err := newTraceProvider(traces, res)
		if err != nil {
			return nil, fmt.Errorf("initialize trace provider: %w", err)
		}
		o.tp = tp
		o.shutdownFuncs = append(o.shutdownFuncs, tp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return o, nil
}

// NOP returns observability where metrics and traces are discarded.
func NOP(log *slog.Logger) *Observability {
	return &Observability{log: log, mp: noop.NewMeterProvider(), tp: tnop.NewTracerProvider()}
}

func (o *Observability) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, fn := range o.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (o *Observability) Logger() *slog.Logger { return o.log }

func (o *Observability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *Observability) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, opts...)
}

func (o *Observability) TracerProvider() trace.TracerProvider { return o.tp }

// PrometheusRegisterer returns nil unless "prometheus" metrics exporter is used.
func (o *Observability) PrometheusRegisterer() prometheus.Registerer {
	if o.pr == nil {
		return nil
	}
	return o.pr
}

// MetricsHandler returns nil unless "prometheus" metrics exporter is used.
func (o *Observability) MetricsHandler() http.Handler {
	if o.pr == nil {
		return nil
	}
	return promhttp.HandlerFor(o.pr, promhttp.HandlerOpts{MaxRequestsInFlight: 1})
}

func (o *Observability) initMeterProvider(exporter string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch exporter {
	case "stdout":
		me, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(me)
	case "prometheus":
		var err error
		o.pr = prometheus.NewRegistry()
		if reader, err = promexp.New(promexp.WithRegisterer(o.pr), promexp.WithNamespace("obs")); err != nil {
			return nil, fmt.Errorf("creating Prometheus exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported metrics exporter %q", exporter)
	}

	μs := time.Microsecond.Seconds()
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{
					Name:  "handle.msg.time",
					Scope: instrumentation.Scope{Name: "observer"},
				},
				sdkmetric.Stream{
					Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
						Boundaries: []float64{100 * μs, 200 * μs, 400 * μs, 800 * μs, 0.0016, 0.01, 0.05},
					},
				},
			),
		),
	), nil
}

func newTraceProvider(exporter string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	switch exporter {
	case "stdout":
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(exp)), nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
}

// NewWithProviders creates observability using given providers, nil provider is replaced with no-op one.
func NewWithProviders(log *slog.Logger, mp metric.MeterProvider, tp trace.TracerProvider) *Observability {
	o := NOP(log)
	if mp != nil {
		o.mp = mp
	}
	if tp != nil {
		o.tp = tp
	}
	return o
}
