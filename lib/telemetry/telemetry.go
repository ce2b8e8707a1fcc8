package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"cardfetch/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

type Telemetry struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

func (t Telemetry) Shutdown(ctx context.Context) error {
	var errlist []error
	if t.TracerProvider != nil {
		err := t.TracerProvider.Shutdown(ctx)
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	if t.MeterProvider != nil {
		err := t.MeterProvider.Shutdown(ctx)
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	return errors.Join(errlist...)
}

// InitSlog installs the default slog handler, debug enables debug level logs.
func InitSlog(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetupForTesting installs in-process tracer and meter providers with no
// exporters so spans are created and ended without any network dependency.
func SetupForTesting(t testing.TB, serviceName string) func() {
	r, err := newResource(serviceName, Config{})
	if err != nil {
		t.Fatal(err)
	}
	tel := Telemetry{
		TracerProvider: trace.NewTracerProvider(trace.WithResource(r)),
		MeterProvider:  metric.NewMeterProvider(metric.WithResource(r)),
	}
	otel.SetTracerProvider(tel.TracerProvider)
	otel.SetMeterProvider(tel.MeterProvider)

	return func() {
		err := tel.Shutdown(context.Background())
		if err != nil {
			t.Fatal(err)
		}
	}
}

// searches up the filesystem from the cwd to find a file
// called telemetry.json5, once found it will then use it
// as a config to setup telemetry
func SetupFromEnv(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) (Telemetry, error) {
	config, err := configutil.ReadRecursively[Config]("telemetry.json5")
	if err != nil {
		return Telemetry{}, err
	}
	return Setup(ctx, serviceName, config, attrs...)
}

// Setup installs global tracer and meter providers. A signal with no
// endpoint configured still gets a provider, it just exports nothing.
func Setup(ctx context.Context, serviceName string, config Config, attrs ...attribute.KeyValue) (Telemetry, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	r, err := newResource(serviceName, config, attrs...)
	if err != nil {
		return Telemetry{}, err
	}

	tracerProvider, err := newTraceProvider(ctx, r, config.Otlp.Traces)
	if err != nil {
		return Telemetry{}, err
	}
	otel.SetTracerProvider(tracerProvider)

	interval := defaultMetricInterval
	if config.Otlp.MetricIntervalSeconds > 0 {
		interval = time.Duration(config.Otlp.MetricIntervalSeconds) * time.Second
	}
	meterProvider, err := newMetricProvider(ctx, r, config.Otlp.Metrics, interval)
	if err != nil {
		tracerProvider.Shutdown(ctx)
		return Telemetry{}, err
	}
	otel.SetMeterProvider(meterProvider)

	return Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
	}, nil
}
