package tts

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomePlayed  = "played"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

type metrics struct {
	requests metric.Int64Counter
	segments metric.Int64Counter
	duration metric.Float64Histogram
}

// newMetrics registers the service instruments on the global meter provider.
// activeSessions is sampled on every collection.
func newMetrics(activeSessions func() int) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/tts")
	requests, err := meter.Int64Counter("loqa_voice_requests_total",
		metric.WithDescription("Speech requests by backend and outcome"))
	if err != nil {
		return nil, err
	}
	segments, err := meter.Int64Counter("loqa_voice_segments_total",
		metric.WithDescription("Audio segments delivered to sinks"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("loqa_voice_request_duration_ms",
		metric.WithDescription("Time from intake until the request finished playing"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("loqa_voice_sessions_active",
		metric.WithDescription("Sessions with a playback queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(activeSessions()))
			return nil
		}))
	if err != nil {
		return nil, err
	}
	return &metrics{requests: requests, segments: segments, duration: duration}, nil
}

func (m *metrics) record(ctx context.Context, mode, outcome string, segments int, elapsedMS float64) {
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	if segments > 0 {
		m.segments.Add(ctx, int64(segments), metric.WithAttributes(attribute.String("mode", mode)))
	}
	if outcome == outcomePlayed {
		m.duration.Record(ctx, elapsedMS, metric.WithAttributes(attribute.String("mode", mode)))
	}
}
