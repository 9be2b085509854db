package trace

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_DisabledWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	_, span := p.Tracer().Start(context.Background(), "x")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	if p.Enabled() {
		t.Error("nil provider reports enabled")
	}
	if p.Tracer() == nil {
		t.Error("nil provider returned nil tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewProviderWithExporter_ExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewProviderWithExporter(exp, "test-svc")

	_, span := p.Tracer().Start(context.Background(), "ralph-loop")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "ralph-loop" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var svc string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			svc = kv.Value.AsString()
		}
	}
	if svc != "test-svc" {
		t.Errorf("service.name = %q, want test-svc", svc)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestAttributes(t *testing.T) {
	got := Attributes(map[string]string{
		"tool_name":  "shell",
		"command":    "go test",
		"session_id": "s1",
		"custom":     "v",
	})
	want := []attribute.KeyValue{
		attribute.String("agentrelay.shell.command", "go test"),
		attribute.String("agentrelay.custom", "v"),
		attribute.String("agentrelay.session.id", "s1"),
		attribute.String("agentrelay.tool.name", "shell"),
	}
	if len(got) != len(want) {
		t.Fatalf("Attributes len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Attributes[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Endpoint != "http://collector:4318" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.ServiceName != "agentrelay" {
		t.Errorf("ServiceName = %q, want default", cfg.ServiceName)
	}
}
