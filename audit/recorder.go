// Package audit records every decision and token lifecycle event. The
// recorder never blocks the calling path: events queue into a buffer
// drained by a background worker that retries transient sink failures,
// guaranteeing at-least-once delivery. Consumers must tolerate
// duplicate event ids.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/types"
)

// Sink is the durable destination for audit events. Sinks must accept
// duplicate event ids idempotently.
type Sink interface {
	Write(ctx context.Context, event types.AuditEvent) error
	Close() error
}

// TagSource supplies the compliance framework tags for a market.
type TagSource func(market string) []string

// Options configure a Recorder.
type Options struct {
	BufferSize  int
	MaxAttempts int
	Backoff     time.Duration
	Tags        TagSource
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	return o
}

// Recorder buffers audit events and delivers them asynchronously.
type Recorder struct {
	sink     Sink
	overflow *WAL
	opts     Options
	events   chan types.AuditEvent
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *telemetry.Logger

	closeOnce sync.Once
}

// NewRecorder creates a recorder draining into the given sink. The
// overflow WAL catches events when the buffer is full or the sink stays
// down past the retry budget; it may be nil, in which case such events
// are logged and dropped (delivery is then best-effort, not guaranteed).
func NewRecorder(sink Sink, overflow *WAL, opts Options) *Recorder {
	opts = opts.withDefaults()
	r := &Recorder{
		sink:     sink,
		overflow: overflow,
		opts:     opts,
		events:   make(chan types.AuditEvent, opts.BufferSize),
		done:     make(chan struct{}),
		logger:   telemetry.NewLogger("audit-recorder"),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Record enqueues an event without blocking. Missing id and timestamp
// are filled in; compliance tags are stamped from the tag source.
func (r *Recorder) Record(event types.AuditEvent) {
	if event.ID == "" {
		event.ID = ksuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if len(event.ComplianceTags) == 0 && r.opts.Tags != nil {
		event.ComplianceTags = r.opts.Tags(event.Market)
	}

	select {
	case <-r.done:
		r.spill(event)
	case r.events <- event:
	default:
		// Buffer full. Spill to the overflow WAL so the event is not
		// lost; the caller still never blocks on the durable sink.
		r.spill(event)
	}
}

// Close drains the buffer and shuts the recorder down.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.events:
			r.deliver(event)
		case <-r.done:
			// Flush whatever is still buffered, then stop.
			for {
				select {
				case event := <-r.events:
					r.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver writes one event with bounded retries, spilling on failure.
func (r *Recorder) deliver(event types.AuditEvent) {
	backoff := r.opts.Backoff
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		err := r.sink.Write(context.Background(), event)
		if err == nil {
			// The counter tracks durable deliveries, not enqueues.
			telemetry.CountAuditEvent(context.Background())
			return
		}

		r.logger.Warn().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Int("attempt", attempt).
			Msg("audit sink write failed")

		select {
		case <-r.done:
			// Shutting down; spill instead of sleeping out the budget.
			r.spill(event)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	r.spill(event)
}

func (r *Recorder) spill(event types.AuditEvent) {
	if r.overflow == nil {
		r.logger.Error().
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("audit event dropped: no overflow WAL configured")
		return
	}
	if err := r.overflow.Append(event); err != nil {
		r.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Msg("failed to spill audit event to overflow WAL")
	}
}

// RequestEvent builds an audit event for a request state transition.
func RequestEvent(eventType string, req *types.ElevationRequest, payload map[string]any) types.AuditEvent {
	return types.AuditEvent{
		Type:      eventType,
		RequestID: req.ID,
		Market:    req.Actor.Market,
		Tenant:    req.Actor.TenantID,
		Actor:     req.Actor.UserID,
		Payload:   payload,
	}
}

// TokenEvent builds an audit event for a token lifecycle operation.
func TokenEvent(eventType string, token *types.ElevationToken, payload map[string]any) types.AuditEvent {
	return types.AuditEvent{
		Type:      eventType,
		RequestID: token.RequestID,
		TokenID:   token.ID,
		Market:    token.Context.Market,
		Tenant:    token.Subject.TenantID,
		Actor:     token.Subject.UserID,
		Payload:   payload,
	}
}
