// Package metrics wires the dialog engine's four latency histograms
// (transcribe/generate/synthesize/play_queue) through the OpenTelemetry
// Metrics API, exported via a Prometheus bridge. Grounded on
// MrWong99-glyphoxa's internal/observe/{metrics,provider}.go.
package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/arch7tect/sip-gateway"

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20}

// Recorder holds the histogram instruments a dialog.Call reports into,
// satisfying dialog.MetricsRecorder.
type Recorder struct {
	transcribe metric.Float64Histogram
	generate   metric.Float64Histogram
	synthesize metric.Float64Histogram
	playQueue  metric.Float64Histogram
}

// New creates a fully initialized Recorder bound to mp.
func New(mp metric.MeterProvider) (*Recorder, error) {
	m := mp.Meter(meterName)
	r := &Recorder{}
	var err error

	if r.transcribe, err = m.Float64Histogram("sip_gateway.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if r.generate, err = m.Float64Histogram("sip_gateway.generate.duration",
		metric.WithDescription("Latency of backend generation start requests."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if r.synthesize, err = m.Float64Histogram("sip_gateway.synthesize.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if r.playQueue, err = m.Float64Histogram("sip_gateway.play_queue.duration",
		metric.WithDescription("Time from reply-generation start to first audio reaching the playback queue."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) ObserveTranscribe(d time.Duration) { r.transcribe.Record(context.Background(), d.Seconds()) }
func (r *Recorder) ObserveGenerate(d time.Duration)   { r.generate.Record(context.Background(), d.Seconds()) }
func (r *Recorder) ObserveSynthesize(d time.Duration) { r.synthesize.Record(context.Background(), d.Seconds()) }
func (r *Recorder) ObservePlayQueue(d time.Duration)  { r.playQueue.Record(context.Background(), d.Seconds()) }

// ProviderConfig configures the OpenTelemetry SDK meter provider.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
}

// InitProvider sets up a global MeterProvider backed by a Prometheus
// exporter (scraped via pkg/operator's /metrics route) and returns a
// shutdown func to flush it on graceful exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sip-gateway"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx))
	}, nil
}
