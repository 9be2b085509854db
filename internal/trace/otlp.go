// Package trace sets up OpenTelemetry tracing and exports spans over OTLP.
package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/joeshaw/envdecode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used by this module.
const InstrumentationName = "agentrelay/ralph"

// Config selects the OTLP endpoint. Tracing is disabled when Endpoint is empty.
type Config struct {
	// Endpoint like "http://localhost:4318" or "localhost:4318".
	// ENV: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"endpoint"`
	// ServiceName reported on every span. ENV: OTEL_SERVICE_NAME
	ServiceName string `env:"OTEL_SERVICE_NAME,default=agentrelay" yaml:"service_name"`
}

// ConfigFromEnv decodes Config from the standard OTEL_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("trace config: %w", err)
	}
	return cfg, nil
}

// Provider owns the tracer provider. A Provider built without an endpoint
// hands out a no-op tracer.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewProvider creates an OTLP/HTTP exporting provider if cfg.Endpoint is set,
// and a disabled provider otherwise.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(InstrumentationName)}, nil
	}

	var opts []otlptracehttp.Option
	switch {
	case strings.HasPrefix(cfg.Endpoint, "https://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	case strings.HasPrefix(cfg.Endpoint, "http://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint), otlptracehttp.WithInsecure())
	default:
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return NewProviderWithExporter(exporter, cfg.ServiceName, sdktrace.WithBatcher(exporter)), nil
}

// NewProviderWithExporter builds an enabled provider around exporter. By
// default spans are exported synchronously; pass a span processor option
// such as sdktrace.WithBatcher to change that.
func NewProviderWithExporter(exporter sdktrace.SpanExporter, serviceName string, opts ...sdktrace.TracerProviderOption) *Provider {
	if serviceName == "" {
		serviceName = "agentrelay"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	if len(opts) == 0 {
		opts = []sdktrace.TracerProviderOption{sdktrace.WithSyncer(exporter)}
	}
	opts = append(opts, sdktrace.WithResource(res))
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{provider: tp, tracer: tp.Tracer(InstrumentationName)}
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p != nil && p.provider != nil }

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() oteltrace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return p.tracer
}

// Shutdown flushes and closes the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Attributes maps loop attributes into the agentrelay.* namespace, sorted
// by key.
func Attributes(attrs map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(AttrKey(k), attrs[k]))
	}
	return out
}

// AttrKey returns the exported key for a loop attribute.
func AttrKey(k string) string {
	switch k {
	case "session_id":
		return "agentrelay.session.id"
	case "tool_name":
		return "agentrelay.tool.name"
	case "tool_call_id":
		return "agentrelay.tool.call_id"
	case "file_path":
		return "agentrelay.file.path"
	case "command":
		return "agentrelay.shell.command"
	case "state":
		return "agentrelay.loop.state"
	default:
		return "agentrelay." + k
	}
}
