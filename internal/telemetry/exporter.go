package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "lablab"
	serviceVersion = "1.0.0"
)

// Exporter records runtime metrics through an OpenTelemetry meter provider.
type Exporter struct {
	provider         *sdkmetric.MeterProvider
	fetchAttempts    metric.Int64Counter
	fallbacks        metric.Int64Counter
	progressFailures metric.Int64Counter
	stagesCompleted  metric.Int64Counter
	sessionDuration  metric.Float64Histogram
}

var _ Recorder = (*Exporter)(nil)

// NewExporter creates an exporter that pushes metrics to an OTLP collector over gRPC.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTEL exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	e, err := NewExporterWithReader(sdkmetric.NewPeriodicReader(exp), res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(e.provider)
	slog.Info("Exporter.NewExporter: OTLP metrics enabled", "endpoint", cfg.Endpoint, "insecure", cfg.Insecure)
	return e, nil
}

// NewExporterWithReader builds the instruments on top of any metric reader.
// Tests pass a sdkmetric.ManualReader to collect what was recorded.
func NewExporterWithReader(reader sdkmetric.Reader, res *resource.Resource) (*Exporter, error) {
	providerOpts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		providerOpts = append(providerOpts, sdkmetric.WithResource(res))
	}
	provider := sdkmetric.NewMeterProvider(providerOpts...)
	meter := provider.Meter(serviceName)

	fetchAttempts, err := meter.Int64Counter(
		"lablab_datasource_fetch_attempts_total",
		metric.WithDescription("Scenario and wallet fetch attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fetch attempts counter: %w", err)
	}

	fallbacks, err := meter.Int64Counter(
		"lablab_fallback_substitutions_total",
		metric.WithDescription("Times built-in sample data replaced the data source"),
		metric.WithUnit("{substitution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fallback counter: %w", err)
	}

	progressFailures, err := meter.Int64Counter(
		"lablab_progress_write_failures_total",
		metric.WithDescription("Progress writes deferred to background retry"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating progress failure counter: %w", err)
	}

	stagesCompleted, err := meter.Int64Counter(
		"lablab_stages_completed_total",
		metric.WithDescription("Stage gates passed by participants"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stages counter: %w", err)
	}

	sessionDuration, err := meter.Float64Histogram(
		"lablab_session_duration_seconds",
		metric.WithDescription("Time from begin to completion of an experiment"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session duration histogram: %w", err)
	}

	return &Exporter{
		provider:         provider,
		fetchAttempts:    fetchAttempts,
		fallbacks:        fallbacks,
		progressFailures: progressFailures,
		stagesCompleted:  stagesCompleted,
		sessionDuration:  sessionDuration,
	}, nil
}

func (e *Exporter) FetchAttempt(ctx context.Context, res string, attempt int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.fetchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", res),
		attribute.String("outcome", outcome),
		attribute.Int("attempt", attempt),
	))
}

func (e *Exporter) FallbackUsed(ctx context.Context, res, reason string) {
	e.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", res),
		attribute.String("reason", reason),
	))
}

func (e *Exporter) ProgressWriteFailed(ctx context.Context, experimentID string) {
	e.progressFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("experiment_id", experimentID)))
}

func (e *Exporter) StageCompleted(ctx context.Context, experimentID string, stageType string) {
	e.stagesCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment_id", experimentID),
		attribute.String("stage_type", stageType),
	))
}

func (e *Exporter) SessionCompleted(ctx context.Context, experimentID string, elapsed time.Duration) {
	e.sessionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("experiment_id", experimentID)))
}

// Close shuts down the provider and flushes pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}

// New returns an Exporter when cfg enables one and falls back to NoOp otherwise.
func New(ctx context.Context, cfg Config) Recorder {
	if !cfg.Enabled {
		return NewNoOp()
	}
	e, err := NewExporter(ctx, cfg)
	if err != nil {
		slog.Warn("telemetry.New: falling back to no-op recorder", "error", err)
		return NewNoOp()
	}
	return e
}
