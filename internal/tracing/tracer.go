package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/omx-dev/omx/internal/log"
)

// DefaultServiceName identifies the team coordination service in traces.
const DefaultServiceName = "omx-team"

// Config configures the tracing subsystem.
type Config struct {
	// Enabled controls whether tracing is active.
	// When false, a no-op tracer is returned.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Exporter selects the export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `yaml:"exporter" mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: derived from the project state root (<project>/.omx/traces.jsonl)
	FilePath string `yaml:"file_path" mapstructure:"file_path"`

	// OTLPEndpoint is the OTLP collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`

	// SampleRate controls the fraction of traces to sample.
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`

	// ServiceName identifies this service in traces.
	// Default: "omx-team"
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Exporter:     "file",
		FilePath:     "",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		ServiceName:  DefaultServiceName,
	}
}

// Provider manages the OpenTelemetry tracer provider. It wraps the underlying
// TracerProvider and provides convenient methods for getting tracers and
// shutting down cleanly.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewProvider creates and configures the trace provider. If tracing is
// disabled in the config, a no-op provider with zero overhead is returned.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		noopProvider := noop.NewTracerProvider()
		return &Provider{
			provider: nil,
			tracer:   noopProvider.Tracer("noop"),
			enabled:  false,
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		exporter, err = NewFileExporter(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	case "none", "":
		// No exporter, but tracing stays enabled for internal correlation.
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	// resource.NewSchemaless avoids schema version conflicts with resource.Default().
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(sampleRate),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	log.Info(log.CatTrace, "tracing enabled", "exporter", cfg.Exporter, "sample_rate", sampleRate, "service", serviceName)

	return &Provider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		enabled:  true,
	}, nil
}

// Tracer returns the configured tracer for creating spans. The returned
// tracer is safe to use even when tracing is disabled (it is a no-op tracer
// in that case).
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled returns whether tracing is enabled.
func (p *Provider) Enabled() bool {
	return p.enabled
}

// Shutdown flushes pending spans and shuts down the provider. Call it when
// the process is exiting so all spans are exported before exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
