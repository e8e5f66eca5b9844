package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds connection/frame-scoped logging context that flows
// through a single BOX connection or control transaction.
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	ConnID     string    // BOX connection identifier
	DeviceID   string    // BOX device identifier (from bus namespace)
	Table      string    // XML table name (PRMS, MODE, STATUS, etc.)
	FrameClass string    // forward, synthesize, control-inject
	TxID       string    // control transaction ID, for request correlation across retries
	StartTime  time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a BOX connection
func NewLogContext(connID string) *LogContext {
	return &LogContext{
		ConnID:    connID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:    lc.TraceID,
		SpanID:     lc.SpanID,
		ConnID:     lc.ConnID,
		DeviceID:   lc.DeviceID,
		Table:      lc.Table,
		FrameClass: lc.FrameClass,
		TxID:       lc.TxID,
		StartTime:  lc.StartTime,
	}
}

// WithTable returns a copy with the table name set
func (lc *LogContext) WithTable(table string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Table = table
	}
	return clone
}

// WithDeviceID returns a copy with the device ID set
func (lc *LogContext) WithDeviceID(deviceID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.DeviceID = deviceID
	}
	return clone
}

// WithFrameClass returns a copy with the frame class set
func (lc *LogContext) WithFrameClass(class string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FrameClass = class
	}
	return clone
}

// WithTxID returns a copy with the control transaction ID set
func (lc *LogContext) WithTxID(txID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TxID = txID
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
