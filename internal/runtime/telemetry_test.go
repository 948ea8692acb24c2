package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

func TestTraceExporterName(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{TraceExporter: "auto"}, "none"},
		{config.TelemetryConfig{TraceExporter: "auto", OTLPEndpoint: "collector:4317"}, "otlp"},
		{config.TelemetryConfig{}, "none"},
		{config.TelemetryConfig{TraceExporter: "stdout", OTLPEndpoint: "collector:4317"}, "stdout"},
	}
	for _, tc := range cases {
		if got := traceExporterName(tc.cfg); got != tc.want {
			t.Fatalf("%+v: got %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestServiceResourceNamesNode(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "voice-7"
	res, err := serviceResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs[semconv.ServiceInstanceIDKey] != "voice-7" || attrs["loqa.voice.bus"] != "embedded" {
		t.Fatalf("unexpected resource attributes %v", attrs)
	}
}

func TestMetricsHandlerServesPrivateRegistry(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	res, err := serviceResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	provider, handler := initMetrics(cfg.Telemetry, res, log)
	defer provider.Shutdown(context.Background())
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}

	counter, err := provider.Meter("test").Int64Counter("loqa_voice_test_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, "loqa_voice_test_total") {
		t.Fatalf("otel counter missing from metrics page")
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("go runtime metrics missing from metrics page")
	}
}

func TestInitTracerRejectsUnknownExporter(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, _ := serviceResource(context.Background(), config.Default())
	if _, err := initTracer(context.Background(), config.TelemetryConfig{TraceExporter: "zipkin"}, res, log); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
	tp, err := initTracer(context.Background(), config.TelemetryConfig{TraceExporter: "none", TraceSampleRatio: 1}, res, log)
	if err != nil {
		t.Fatalf("none exporter: %v", err)
	}
	_ = tp.Shutdown(context.Background())
}
