package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Global telemetry handles
var (
	// Tracer for distributed tracing
	Tracer = otel.Tracer("github.com/hoistsec/hoist")

	// Meter for metrics
	Meter = otel.Meter("github.com/hoistsec/hoist")

	// PrometheusRegistry for Prometheus scraping (dual export pattern)
	// The OTEL exporter automatically registers itself with this registry
	PrometheusRegistry *promclient.Registry

	// Metrics - following OTEL naming conventions
	RequestsSubmitted metric.Int64Counter
	Decisions         metric.Int64Counter
	TokensIssued      metric.Int64Counter
	TokensValidated   metric.Int64Counter
	TokensRevoked     metric.Int64Counter
	AuditEvents       metric.Int64Counter
	DecisionDuration  metric.Float64Histogram
	PendingRequests   metric.Int64Gauge
)

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTELEndpoint   string // e.g., "localhost:4317"
	Insecure       bool   // true for local dev
}

// InitOTEL initializes OpenTelemetry with traces and metrics
func InitOTEL(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	cfg = applyConfigDefaults(cfg)

	res, err := createOTELResource(cfg)
	if err != nil {
		return nil, err
	}

	return setupProviders(ctx, cfg, res)
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.OTELEndpoint == "" {
		cfg.OTELEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if cfg.OTELEndpoint == "" {
			cfg.OTELEndpoint = "localhost:4317"
		}
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "hoist"
	}

	return cfg
}

func createOTELResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func setupProviders(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	traceShutdown, err := setupTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup traces: %w", err)
	}

	metricShutdown, err := setupMetricProvider(ctx, cfg, res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if err := initMetrics(); err != nil {
		_ = traceShutdown(ctx)
		_ = metricShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return createCombinedShutdown(traceShutdown, metricShutdown), nil
}

func createCombinedShutdown(traceShutdown, metricShutdown func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var err error
		if e := traceShutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown failed: %w", e)
		}
		if e := metricShutdown(ctx); e != nil && err == nil {
			err = fmt.Errorf("metric shutdown failed: %w", e)
		}
		return err
	}
}

func setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTELEndpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = provider.Tracer("github.com/hoistsec/hoist")

	return provider.Shutdown, nil
}

// setupMetricProvider configures metric provider with dual export
// (Prometheus for pull-based scraping + OTLP for push-based export)
func setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	var readers []sdkmetric.Reader

	registry := promclient.NewRegistry()
	PrometheusRegistry = registry

	prometheusExporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	readers = append(readers, prometheusExporter)

	if cfg.OTELEndpoint != "" {
		otlpReader, err := createOTLPReader(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric reader: %w", err)
		}
		readers = append(readers, otlpReader)
	}

	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}
	for _, reader := range readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)

	otel.SetMeterProvider(provider)

	Meter = provider.Meter("github.com/hoistsec/hoist")

	return provider.Shutdown, nil
}

func createOTLPReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTELEndpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(10*time.Second),
	), nil
}

func initMetrics() error {
	if err := initCounters(); err != nil {
		return err
	}

	if err := initHistograms(); err != nil {
		return err
	}

	return initGauges()
}

func initCounters() error {
	var err error

	RequestsSubmitted, err = Meter.Int64Counter("hoist.requests.submitted.total",
		metric.WithDescription("Total number of elevation requests submitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create requests_submitted counter: %w", err)
	}

	Decisions, err = Meter.Int64Counter("hoist.decisions.total",
		metric.WithDescription("Total number of terminal elevation decisions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create decisions counter: %w", err)
	}

	TokensIssued, err = Meter.Int64Counter("hoist.tokens.issued.total",
		metric.WithDescription("Total number of elevation tokens issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tokens_issued counter: %w", err)
	}

	TokensValidated, err = Meter.Int64Counter("hoist.tokens.validated.total",
		metric.WithDescription("Total number of token validation checks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tokens_validated counter: %w", err)
	}

	TokensRevoked, err = Meter.Int64Counter("hoist.tokens.revoked.total",
		metric.WithDescription("Total number of token revocations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tokens_revoked counter: %w", err)
	}

	AuditEvents, err = Meter.Int64Counter("hoist.audit.events.total",
		metric.WithDescription("Total number of audit events recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit_events counter: %w", err)
	}

	return nil
}

func initHistograms() error {
	var err error

	DecisionDuration, err = Meter.Float64Histogram("hoist.decision.duration.seconds",
		metric.WithDescription("Time from request submission to terminal decision"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create decision_duration histogram: %w", err)
	}

	return nil
}

func initGauges() error {
	var err error

	PendingRequests, err = Meter.Int64Gauge("hoist.requests.pending.current",
		metric.WithDescription("Current number of pending elevation requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending_requests gauge: %w", err)
	}

	return nil
}

// CountAuditEvent increments the audit event counter. Safe to call
// before InitOTEL; it no-ops when metrics are not set up.
func CountAuditEvent(ctx context.Context) {
	if AuditEvents == nil {
		return
	}
	AuditEvents.Add(ctx, 1)
}

// CountDecision increments the decision counter with an outcome label.
// Safe to call before InitOTEL; it no-ops when metrics are not set up.
func CountDecision(ctx context.Context, outcome string) {
	if Decisions == nil {
		return
	}
	Decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CountTokenOperation increments the counter for one token operation.
func CountTokenOperation(ctx context.Context, operation string, ok bool) {
	var counter metric.Int64Counter
	switch operation {
	case "issue":
		counter = TokensIssued
	case "validate":
		counter = TokensValidated
	case "revoke":
		counter = TokensRevoked
	}
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// CountRequestSubmitted increments the submitted request counter.
// Safe to call before InitOTEL; it no-ops when metrics are not set up.
func CountRequestSubmitted(ctx context.Context, hookType string) {
	if RequestsSubmitted == nil {
		return
	}
	RequestsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("hook_type", hookType)))
}

// ObserveDecisionDuration records how long one request took from
// submission to its terminal or token-issued state.
func ObserveDecisionDuration(ctx context.Context, seconds float64) {
	if DecisionDuration == nil {
		return
	}
	DecisionDuration.Record(ctx, seconds)
}

// RecordPendingRequests sets the pending request gauge.
func RecordPendingRequests(ctx context.Context, n int64) {
	if PendingRequests == nil {
		return
	}
	PendingRequests.Record(ctx, n)
}
