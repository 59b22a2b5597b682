package observability

import (
	"context"
	"testing"
)

func TestTracingConfigFromLookupDefaults(t *testing.T) {
	cfg := TracingConfigFromLookup(func(string) (string, bool) { return "", false })
	if cfg.Enabled {
		t.Fatalf("tracing should be disabled by default")
	}
	if cfg.ServiceName != "conjunction-monitor" {
		t.Fatalf("ServiceName = %q, want conjunction-monitor", cfg.ServiceName)
	}
	if cfg.Exporter != "stdout" {
		t.Fatalf("Exporter = %q, want stdout", cfg.Exporter)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("SampleRatio = %v, want 1", cfg.SampleRatio)
	}
}

func TestTracingConfigFromLookupOverrides(t *testing.T) {
	env := map[string]string{
		"CONJ_TRACING_ENABLED":      "TRUE",
		"CONJ_TRACING_EXPORTER":     "OTLP",
		"CONJ_OTLP_ENDPOINT":        "collector:4317",
		"CONJ_TRACING_SAMPLE_RATIO": "0.25",
	}
	cfg := TracingConfigFromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	env["CONJ_TRACING_SAMPLE_RATIO"] = "7"
	cfg = TracingConfigFromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio should be ignored, got %v", cfg.SampleRatio)
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(ctx, "tick")
	if span.SpanContext().IsValid() {
		t.Fatalf("noop provider should produce invalid span contexts")
	}
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}
