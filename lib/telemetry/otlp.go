package telemetry

import (
	"context"
	"log/slog"
	"time"

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

const defaultMetricInterval = 5 * time.Second

type OtlpConnConfig struct {
	GrpcEndpoint string            `json:"grpc_endpoint"`
	HttpEndpoint string            `json:"http_endpoint"`
	Headers      map[string]string `json:"headers"`
}

type exporterKind string

const (
	exporterNone exporterKind = "none"
	exporterGrpc exporterKind = "grpc"
	exporterHttp exporterKind = "http"
)

// kind picks the transport, grpc wins when both endpoints are set and no
// endpoint at all means nothing is exported.
func (c OtlpConnConfig) kind() exporterKind {
	switch {
	case c.GrpcEndpoint != "":
		return exporterGrpc
	case c.HttpEndpoint != "":
		return exporterHttp
	default:
		return exporterNone
	}
}

type OtlpConfig struct {
	Traces  OtlpConnConfig `json:"traces"`
	Metrics OtlpConnConfig `json:"metrics"`
	// MetricIntervalSeconds is how often metrics are pushed, a one-shot run
	// flushes on shutdown regardless.
	MetricIntervalSeconds int `json:"metric_interval_seconds"`
}

type Config struct {
	Otlp OtlpConfig `json:"otlp"`
	// ResourceAttributes are attached to every span and metric, for example
	// the deployment or the operator running the scrape.
	ResourceAttributes map[string]string `json:"resource_attributes"`
}

func newResource(serviceName string, config Config, attrs ...attribute.KeyValue) (*resource.Resource, error) {
	all := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range config.ResourceAttributes {
		all = append(all, attribute.String(k, v))
	}
	all = append(all, attrs...)

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, all...),
	)
}

func newTraceProvider(ctx context.Context, r *resource.Resource, c OtlpConnConfig) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(r)}

	kind := c.kind()
	if kind != exporterNone {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var (
			exporter trace.SpanExporter
			err      error
		)
		switch kind {
		case exporterGrpc:
			exporter, err = otlptracegrpc.New(
				ctx,
				otlptracegrpc.WithEndpointURL(c.GrpcEndpoint),
				otlptracegrpc.WithHeaders(c.Headers),
			)
		case exporterHttp:
			exporter, err = otlptracehttp.New(
				ctx,
				otlptracehttp.WithEndpointURL(c.HttpEndpoint),
				otlptracehttp.WithHeaders(c.Headers),
			)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(exporter))
	}

	slog.Debug("tracer provider initialized", "export", string(kind), "headers", len(c.Headers) > 0)
	return trace.NewTracerProvider(opts...), nil
}

func newMetricProvider(ctx context.Context, r *resource.Resource, c OtlpConnConfig, interval time.Duration) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(r)}

	kind := c.kind()
	if kind != exporterNone {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var (
			exporter metric.Exporter
			err      error
		)
		switch kind {
		case exporterGrpc:
			exporter, err = otlpmetricgrpc.New(
				ctx,
				otlpmetricgrpc.WithEndpointURL(c.GrpcEndpoint),
				otlpmetricgrpc.WithHeaders(c.Headers),
			)
		case exporterHttp:
			exporter, err = otlpmetrichttp.New(
				ctx,
				otlpmetrichttp.WithEndpointURL(c.HttpEndpoint),
				otlpmetrichttp.WithHeaders(c.Headers),
			)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))))
	}

	slog.Debug("meter provider initialized", "export", string(kind), "interval", interval)
	return metric.NewMeterProvider(opts...), nil
}
