package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "tenant-oauth"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty.
	DefaultServiceVersion = "unknown"

	// ExporterPrometheus selects the Prometheus pull exporter for metrics.
	ExporterPrometheus = "prometheus"

	// ExporterNone keeps metrics in no-op instruments.
	ExporterNone = "none"

	instrumentationPrefix = "github.com/giantswarm/tenant-oauth/"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName is reported as service.name. Default: "tenant-oauth".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Enabled turns on real providers. When false every instrument is a no-op.
	Enabled bool

	// MetricsExporter is "prometheus" or "none" (default).
	MetricsExporter string

	// Registerer receives the Prometheus collectors. If nil a private
	// registry is created and served by PrometheusHandler.
	Registerer prometheus.Registerer

	// SpanExporter, when set, receives finished spans through a batch
	// processor. Without it tracing stays no-op.
	SpanExporter sdktrace.SpanExporter

	// Resource overrides the default service resource.
	Resource *resource.Resource
}

// Instrumentation owns the meter and tracer providers and the pre-built
// metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	gatherer       prometheus.Gatherer

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation. A zero Config yields no-op providers.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = ExporterNone
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	}

	m, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = m

	return inst, nil
}

func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		reg := i.config.Registerer
		if reg == nil {
			private := prometheus.NewRegistry()
			reg = private
			i.gatherer = private
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			i.gatherer = g
		}

		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(i.resource),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case ExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.SpanExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(i.config.SpanExporter),
			sdktrace.WithResource(i.resource),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	}

	return nil
}

// Shutdown flushes and stops the providers. Only the first call has an effect.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns the meter for a layer ("actor", "server", "storage", "http").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns the tracer for a layer.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the pre-built instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// PrometheusHandler serves the collected metrics, or 404s when the
// Prometheus exporter is not active.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	if i.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.gatherer, promhttp.HandlerOpts{})
}

// StorageSizeCallback reports the number of live records in a backend.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks exposes entity state and client counts of an
// in-process store as gauges. Either callback may be nil.
func (i *Instrumentation) RegisterStorageSizeCallbacks(states, clients StorageSizeCallback) error {
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			if states != nil {
				o.ObserveInt64(i.metrics.StorageStates, states())
			}
			if clients != nil {
				o.ObserveInt64(i.metrics.StorageClients, clients())
			}
			return nil
		},
		i.metrics.StorageStates,
		i.metrics.StorageClients,
	)
	return err
}
