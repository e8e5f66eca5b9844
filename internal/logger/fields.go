package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Connection & Device
	// ========================================================================
	KeyConnID   = "conn_id"   // BOX connection identifier
	KeyConnAddr = "conn_addr" // BOX connection remote address
	KeyDeviceID = "device_id" // BOX device identifier

	// ========================================================================
	// Frame & Table
	// ========================================================================
	KeyTable      = "table"       // XML table name: PRMS, MODE, STATUS, etc.
	KeyFrameClass = "frame_class" // forward, synthesize, control-inject
	KeyFrameSize  = "frame_size"  // frame byte length
	KeyCRCValid   = "crc_valid"   // CRC16 checksum validity

	// ========================================================================
	// Cloud Session
	// ========================================================================
	KeyCloudHost    = "cloud_host"    // vendor cloud hostname
	KeyCloudPort    = "cloud_port"    // vendor cloud port
	KeyCloudSession = "cloud_session" // cloud session state: connected, connecting, down

	// ========================================================================
	// Hybrid State
	// ========================================================================
	KeyHybridState    = "hybrid_state"    // online, hybrid, offline
	KeyHybridFailures = "hybrid_failures" // consecutive cloud failures

	// ========================================================================
	// Bus
	// ========================================================================
	KeyBusTopic = "bus_topic" // MQTT topic
	KeyBusQoS   = "bus_qos"   // MQTT QoS level

	// ========================================================================
	// Queue
	// ========================================================================
	KeyQueueDepth   = "queue_depth"    // pending entries in the persisted queue
	KeyQueueOldestS = "queue_oldest_s" // age in seconds of the oldest queued entry

	// ========================================================================
	// Control Pipeline
	// ========================================================================
	KeyTxID          = "tx_id"          // control transaction ID
	KeyControlTable  = "control_table"  // table targeted by a control write
	KeyControlField  = "control_field"  // field targeted by a control write
	KeyControlStatus = "control_status" // queued, sent, applied, error, clear

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Numeric/taxonomy error code
	KeySource     = "source"      // Origin of a decision: box, cloud, synth, control
	KeyOperation  = "operation"   // Sub-operation type for complex operations
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Session & Request identifiers (generic, reused across components)
	// ========================================================================
	KeySessionID = "session_id" // Session identifier (cloud session, bus session)
	KeyRequestID = "request_id" // Protocol-specific request ID
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// ----------------------------------------------------------------------------
// Distributed Tracing
// ----------------------------------------------------------------------------

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ----------------------------------------------------------------------------
// Connection & Device
// ----------------------------------------------------------------------------

// ConnID returns a slog.Attr for a BOX connection identifier
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// ConnAddr returns a slog.Attr for a BOX connection's remote address
func ConnAddr(addr string) slog.Attr {
	return slog.String(KeyConnAddr, addr)
}

// DeviceID returns a slog.Attr for a BOX device identifier
func DeviceID(id string) slog.Attr {
	return slog.String(KeyDeviceID, id)
}

// ----------------------------------------------------------------------------
// Frame & Table
// ----------------------------------------------------------------------------

// Table returns a slog.Attr for an XML table name
func Table(name string) slog.Attr {
	return slog.String(KeyTable, name)
}

// FrameClass returns a slog.Attr for the frame's routing class
func FrameClass(class string) slog.Attr {
	return slog.String(KeyFrameClass, class)
}

// FrameSize returns a slog.Attr for a frame's byte length
func FrameSize(n int) slog.Attr {
	return slog.Int(KeyFrameSize, n)
}

// CRCValid returns a slog.Attr for CRC checksum validity
func CRCValid(valid bool) slog.Attr {
	return slog.Bool(KeyCRCValid, valid)
}

// ----------------------------------------------------------------------------
// Cloud Session
// ----------------------------------------------------------------------------

// CloudHost returns a slog.Attr for the vendor cloud hostname
func CloudHost(host string) slog.Attr {
	return slog.String(KeyCloudHost, host)
}

// CloudPort returns a slog.Attr for the vendor cloud port
func CloudPort(port int) slog.Attr {
	return slog.Int(KeyCloudPort, port)
}

// CloudSessionState returns a slog.Attr for the cloud session state
func CloudSessionState(state string) slog.Attr {
	return slog.String(KeyCloudSession, state)
}

// ----------------------------------------------------------------------------
// Hybrid State
// ----------------------------------------------------------------------------

// HybridState returns a slog.Attr for the current proxy mode
func HybridState(state string) slog.Attr {
	return slog.String(KeyHybridState, state)
}

// HybridFailures returns a slog.Attr for consecutive cloud failures
func HybridFailures(n int) slog.Attr {
	return slog.Int(KeyHybridFailures, n)
}

// ----------------------------------------------------------------------------
// Bus
// ----------------------------------------------------------------------------

// BusTopic returns a slog.Attr for an MQTT topic
func BusTopic(topic string) slog.Attr {
	return slog.String(KeyBusTopic, topic)
}

// BusQoS returns a slog.Attr for an MQTT QoS level
func BusQoS(qos int) slog.Attr {
	return slog.Int(KeyBusQoS, qos)
}

// ----------------------------------------------------------------------------
// Queue
// ----------------------------------------------------------------------------

// QueueDepth returns a slog.Attr for the number of pending queue entries
func QueueDepth(n int) slog.Attr {
	return slog.Int(KeyQueueDepth, n)
}

// QueueOldestSeconds returns a slog.Attr for the age of the oldest queue entry
func QueueOldestSeconds(s float64) slog.Attr {
	return slog.Float64(KeyQueueOldestS, s)
}

// ----------------------------------------------------------------------------
// Control Pipeline
// ----------------------------------------------------------------------------

// TxID returns a slog.Attr for a control transaction ID
func TxID(id string) slog.Attr {
	return slog.String(KeyTxID, id)
}

// ControlTable returns a slog.Attr for the table targeted by a control write
func ControlTable(name string) slog.Attr {
	return slog.String(KeyControlTable, name)
}

// ControlField returns a slog.Attr for the field targeted by a control write
func ControlField(name string) slog.Attr {
	return slog.String(KeyControlField, name)
}

// ControlStatus returns a slog.Attr for a control transaction's lifecycle status
func ControlStatus(status string) slog.Attr {
	return slog.String(KeyControlStatus, status)
}

// ----------------------------------------------------------------------------
// Operation Metadata
// ----------------------------------------------------------------------------

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a taxonomy error code
func ErrorCode(code string) slog.Attr {
	return slog.String(KeyErrorCode, code)
}

// Source returns a slog.Attr for the origin of a decision or value
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}

// Operation returns a slog.Attr for sub-operation type
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// ----------------------------------------------------------------------------
// Session & Request identifiers
// ----------------------------------------------------------------------------

// SessionID returns a slog.Attr for a session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// RequestID returns a slog.Attr for a protocol-specific request ID
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}
