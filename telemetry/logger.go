package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogTransition logs a request state machine transition.
func (l *Logger) LogTransition(ctx context.Context, requestID, from, to, reason string) {
	event := l.WithContext(ctx).Info().
		Str("request_id", requestID).
		Str("from", from).
		Str("to", to)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("request transition")
}

// LogTokenEvent logs a token lifecycle operation.
func (l *Logger) LogTokenEvent(ctx context.Context, operation, tokenID, requestID string) {
	l.WithContext(ctx).Info().
		Str("operation", operation).
		Str("token_id", tokenID).
		Str("request_id", requestID).
		Msg("token lifecycle event")
}

// LogStoreError logs a persistence failure.
func (l *Logger) LogStoreError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("store operation failed")
}
