package audit

import (
	"context"

	"github.com/hoistsec/hoist/types"
)

// MultiSink fans out to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that writes to every backend.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write sends to all sinks, returns first error.
func (m *MultiSink) Write(ctx context.Context, event types.AuditEvent) error {
	for _, s := range m.sinks {
		if err := s.Write(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all sinks.
func (m *MultiSink) Close() error {
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
