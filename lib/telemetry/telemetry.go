package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"grocery-ingest/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	providerLock   sync.Mutex
	tracerProvider *trace.TracerProvider
	meterProvider  *metric.MeterProvider
)

// Setup installs global trace and metric providers that export over OTLP.
// A config without any endpoints leaves the no-op providers in place.
func Setup(ctx context.Context, service Service, config Config) error {
	if !config.Otlp.enabled() {
		slog.Debug("no otlp endpoints configured, telemetry export disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	r, err := newResource(service, config)
	if err != nil {
		return err
	}

	providerLock.Lock()
	defer providerLock.Unlock()

	if config.Otlp.Traces.enabled() {
		tp, err := newTraceProvider(ctx, r, config.Otlp.Traces)
		if err != nil {
			return err
		}
		tracerProvider = tp
		otel.SetTracerProvider(tp)
	}
	if config.Otlp.Metrics.enabled() {
		mp, err := newMetricProvider(ctx, r, config.Otlp.Metrics, config.Otlp.metricInterval())
		if err != nil {
			return err
		}
		meterProvider = mp
		otel.SetMeterProvider(mp)
	}
	return nil
}

// Shutdown flushes and stops whatever providers Setup installed.
func Shutdown(ctx context.Context) error {
	providerLock.Lock()
	defer providerLock.Unlock()

	var errs []error
	if tracerProvider != nil {
		errs = append(errs, tracerProvider.Shutdown(ctx))
		tracerProvider = nil
	}
	if meterProvider != nil {
		errs = append(errs, meterProvider.Shutdown(ctx))
		meterProvider = nil
	}
	return errors.Join(errs...)
}

// SetupFromEnv searches up the filesystem from the cwd to find a file
// called telemetry.json5, once found it will then use it as a config to
// setup telemetry. A missing file is not an error.
func SetupFromEnv(ctx context.Context, service Service) error {
	config, err := configutil.ReadRecursively[Config]("telemetry.json5")
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("telemetry.json5 not found, telemetry export disabled")
		return nil
	}
	if err != nil {
		return err
	}
	return Setup(ctx, service, config)
}

var (
	testLock         sync.Mutex
	testEnvironments = map[string]bool{}
)

// SetupForTesting sets up telemetry in a testing environment, ensuring that
// it isn't set up more than once per service name.
func SetupForTesting(serviceName string) func() {
	testLock.Lock()
	defer testLock.Unlock()
	if testEnvironments[serviceName] {
		return func() {}
	}
	testEnvironments[serviceName] = true

	InitSlog(true)
	err := SetupFromEnv(context.Background(), Service{Name: serviceName})
	if err != nil {
		panic(err)
	}

	return func() {
		err := Shutdown(context.Background())
		if err != nil {
			panic(err)
		}
	}
}
