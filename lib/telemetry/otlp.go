package telemetry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultMetricInterval = 15 * time.Second

// OtlpConnConfig is the collector of one signal, grpc wins when both
// endpoints are set.
type OtlpConnConfig struct {
	GrpcEndpoint string            `json:"grpc_endpoint"`
	HttpEndpoint string            `json:"http_endpoint"`
	Headers      map[string]string `json:"headers"`
}

func (c OtlpConnConfig) enabled() bool {
	return c.GrpcEndpoint != "" || c.HttpEndpoint != ""
}

func (c OtlpConnConfig) grpc() bool {
	return c.GrpcEndpoint != ""
}

func (c OtlpConnConfig) endpoint() string {
	if c.grpc() {
		return c.GrpcEndpoint
	}
	return c.HttpEndpoint
}

func (c OtlpConnConfig) logInitialized(signal string) {
	transport := "http"
	if c.grpc() {
		transport = "grpc"
	}
	slog.Info(
		signal+" exporter initialized",
		"type", transport,
		"endpoint", c.endpoint(),
		"headers", len(c.Headers) > 0,
	)
}

type OtlpConfig struct {
	Traces  OtlpConnConfig `json:"traces"`
	Metrics OtlpConnConfig `json:"metrics"`
	// MetricIntervalSeconds is how often metrics are pushed, 15 when zero.
	MetricIntervalSeconds int `json:"metric_interval_seconds"`
}

func (c OtlpConfig) enabled() bool {
	return c.Traces.enabled() || c.Metrics.enabled()
}

func (c OtlpConfig) metricInterval() time.Duration {
	if c.MetricIntervalSeconds <= 0 {
		return defaultMetricInterval
	}
	return time.Duration(c.MetricIntervalSeconds) * time.Second
}

type Config struct {
	Otlp OtlpConfig `json:"otlp"`
	// Environment becomes deployment.environment, for instance "prod".
	Environment string `json:"environment"`
	// Resource holds extra resource attributes attached to every span and
	// metric.
	Resource map[string]string `json:"resource"`
}

// Service identifies the process exporting telemetry. Sweeps of different
// retailers and stores share collectors, so both travel as resource
// attributes.
type Service struct {
	Name     string
	Retailer string
	StoreID  string
}

const (
	retailerKey = attribute.Key("grocery.retailer")
	storeIDKey  = attribute.Key("grocery.store_id")
)

func (s Service) attributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.Name),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if s.Retailer != "" {
		attrs = append(attrs, retailerKey.String(s.Retailer))
	}
	if s.StoreID != "" {
		attrs = append(attrs, storeIDKey.String(s.StoreID))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for _, key := range slices.Sorted(maps.Keys(config.Resource)) {
		attrs = append(attrs, attribute.String(key, config.Resource[key]))
	}
	return attrs
}

func newResource(service Service, config Config) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, service.attributes(config)...),
	)
}

func newTraceProvider(ctx context.Context, r *resource.Resource, c OtlpConnConfig) (*trace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	var (
		exporter trace.SpanExporter
		err      error
	)
	if c.grpc() {
		exporter, err = otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpointURL(c.GrpcEndpoint),
			otlptracegrpc.WithHeaders(c.Headers),
		)
	} else {
		exporter, err = otlptracehttp.New(
			ctx,
			otlptracehttp.WithEndpointURL(c.HttpEndpoint),
			otlptracehttp.WithHeaders(c.Headers),
		)
	}
	if err != nil {
		return nil, err
	}
	c.logInitialized("tracer")

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(r),
	), nil
}

func newMetricProvider(ctx context.Context, r *resource.Resource, c OtlpConnConfig, interval time.Duration) (*metric.MeterProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	var (
		exporter metric.Exporter
		err      error
	)
	if c.grpc() {
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpointURL(c.GrpcEndpoint),
			otlpmetricgrpc.WithHeaders(c.Headers),
		)
	} else {
		exporter, err = otlpmetrichttp.New(
			ctx,
			otlpmetrichttp.WithEndpointURL(c.HttpEndpoint),
			otlpmetrichttp.WithHeaders(c.Headers),
		)
	}
	if err != nil {
		return nil, err
	}
	c.logInitialized("metric")

	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
		metric.WithResource(r),
	), nil
}
