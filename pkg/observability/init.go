package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the root tracer of the binary; packages use
	// sub-names such as "lineage.pipeline".
	TracerName = "lineage"
	meterName  = "lineage"

	// envTracesSampler, when set, leaves sampler selection to the SDK.
	envTracesSampler = "OTEL_TRACES_SAMPLER"
)

// Providers holds the initialized observability providers.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *slog.Logger

	// Metrics serves the Prometheus scrape endpoint; nil unless
	// Config.Prometheus is set.
	Metrics http.Handler

	// Shutdown flushes pending telemetry. Call it before exit.
	Shutdown func(ctx context.Context) error
}

// Init installs the global tracer and meter providers and builds the
// logger. Without an OTLP endpoint or Prometheus the providers are no-op.
func Init(cfg Config) (Providers, error) {
	ctx := context.Background()

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return Providers{}, err
	}

	tp, tpShutdown, err := buildTracerProvider(ctx, cfg, res)
	if err != nil {
		return Providers{}, fmt.Errorf("build tracer provider: %w", err)
	}

	mp, metricsHandler, mpShutdown, err := buildMeterProvider(ctx, cfg, res)
	if err != nil {
		return Providers{}, errors.Join(fmt.Errorf("build meter provider: %w", err), tpShutdown(ctx))
	}

	if cfg.OTLPEndpoint != "" && !cfg.TraceVerbose {
		tp = NewFilteringTracerProvider(tp)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(shutdownCtx context.Context) error {
		timeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultShutdownTimeoutSec * time.Second
		}

		deadlineCtx, cancel := context.WithTimeout(shutdownCtx, timeout)
		defer cancel()

		return errors.Join(tpShutdown(deadlineCtx), mpShutdown(deadlineCtx))
	}

	return Providers{
		Tracer:   tp.Tracer(TracerName),
		Meter:    mp.Meter(meterName),
		Logger:   NewLogger(cfg),
		Metrics:  metricsHandler,
		Shutdown: shutdown,
	}, nil
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}

	if cfg.Mode != "" {
		attrs = append(attrs, attribute.String("app.mode", string(cfg.Mode)))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	return res, nil
}

type shutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

func buildTracerProvider(
	ctx context.Context, cfg Config, res *resource.Resource,
) (trace.TracerProvider, shutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return nooptrace.NewTracerProvider(), noopShutdown, nil
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}

	if cfg.OTLPInsecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.OTLPHeaders) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)}

	if sampler, ok := selectSampler(cfg); ok {
		opts = append(opts, sdktrace.WithSampler(sampler))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	return tp, tp.Shutdown, nil
}

// selectSampler returns false when OTEL_TRACES_SAMPLER is set.
func selectSampler(cfg Config) (sdktrace.Sampler, bool) {
	switch {
	case cfg.DebugTrace:
		return sdktrace.AlwaysSample(), true
	case os.Getenv(envTracesSampler) != "":
		return nil, false
	case cfg.SampleRatio > 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio)), true
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), true
	}
}

// buildMeterProvider attaches an OTLP periodic reader and a Prometheus
// reader as configured. Each Prometheus reader gets its own registry.
func buildMeterProvider(
	ctx context.Context, cfg Config, res *resource.Resource,
) (metric.MeterProvider, http.Handler, shutdownFunc, error) {
	var (
		opts    []sdkmetric.Option
		handler http.Handler
	)

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}

		if cfg.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}

		if len(cfg.OTLPHeaders) > 0 {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithHeaders(cfg.OTLPHeaders))
		}

		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}

	if cfg.Prometheus {
		registry := prometheus.NewRegistry()

		reader, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(reader))
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	if len(opts) == 0 {
		return noopmetric.NewMeterProvider(), nil, noopShutdown, nil
	}

	mp := sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithResource(res))...)

	return mp, handler, mp.Shutdown, nil
}

// ParseOTLPHeaders parses "key=value,key=value". Malformed pairs are
// skipped; nil is returned when nothing is left.
func ParseOTLPHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	result := make(map[string]string)

	for pair := range strings.SplitSeq(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}

		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	if len(result) == 0 {
		return nil
	}

	return result
}
