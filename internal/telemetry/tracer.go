package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for proxy operations, following OpenTelemetry
// semantic conventions where applicable.
const (
	// ========================================================================
	// Connection attributes
	// ========================================================================
	AttrConnID   = "conn.id"
	AttrConnAddr = "conn.remote_addr"
	AttrConnKind = "conn.kind" // "box" or "cloud"
	AttrDeviceID = "device.id"

	// ========================================================================
	// Frame attributes
	// ========================================================================
	AttrFrameTable = "frame.table"
	AttrFrameClass = "frame.class" // event, mode, data, confirm, prms, unknown
	AttrFrameSize  = "frame.size"
	AttrFrameCRC   = "frame.crc_valid"

	// ========================================================================
	// Cloud session attributes
	// ========================================================================
	AttrCloudHost    = "cloud.host"
	AttrCloudPort    = "cloud.port"
	AttrCloudSession = "cloud.session_state"

	// ========================================================================
	// Hybrid mode attributes
	// ========================================================================
	AttrHybridState    = "hybrid.state" // online, hybrid, offline
	AttrHybridFailures = "hybrid.consecutive_failures"

	// ========================================================================
	// Message bus attributes
	// ========================================================================
	AttrBusTopic = "bus.topic"
	AttrBusQoS   = "bus.qos"

	// ========================================================================
	// Queue attributes
	// ========================================================================
	AttrQueueDepth   = "queue.depth"
	AttrQueueOldestS = "queue.oldest_age_s"

	// ========================================================================
	// Control-plane attributes
	// ========================================================================
	AttrControlTxID  = "control.tx_id"
	AttrControlTable = "control.table"
	AttrControlField = "control.field"
)

// ConnID returns an attribute for the connection identifier.
func ConnID(id string) attribute.KeyValue {
	return attribute.String(AttrConnID, id)
}

// ConnAddr returns an attribute for the remote address of a connection.
func ConnAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrConnAddr, addr)
}

// ConnKind returns an attribute distinguishing BOX-side from cloud-side connections.
func ConnKind(kind string) attribute.KeyValue {
	return attribute.String(AttrConnKind, kind)
}

// DeviceID returns an attribute for the BOX device identifier.
func DeviceID(id string) attribute.KeyValue {
	return attribute.String(AttrDeviceID, id)
}

// FrameTable returns an attribute for the XML frame's table name.
func FrameTable(table string) attribute.KeyValue {
	return attribute.String(AttrFrameTable, table)
}

// FrameClass returns an attribute for the parsed frame class.
func FrameClass(class string) attribute.KeyValue {
	return attribute.String(AttrFrameClass, class)
}

// FrameSize returns an attribute for the raw frame byte length.
func FrameSize(size int) attribute.KeyValue {
	return attribute.Int(AttrFrameSize, size)
}

// FrameCRCValid returns an attribute for whether a frame's checksum validated.
func FrameCRCValid(valid bool) attribute.KeyValue {
	return attribute.Bool(AttrFrameCRC, valid)
}

// CloudSessionState returns an attribute for the cloud session's current state.
func CloudSessionState(state string) attribute.KeyValue {
	return attribute.String(AttrCloudSession, state)
}

// HybridState returns an attribute for the current hybrid mode state.
func HybridState(state string) attribute.KeyValue {
	return attribute.String(AttrHybridState, state)
}

// HybridFailures returns an attribute for the consecutive cloud failure count.
func HybridFailures(n int) attribute.KeyValue {
	return attribute.Int(AttrHybridFailures, n)
}

// BusTopic returns an attribute for a message bus topic.
func BusTopic(topic string) attribute.KeyValue {
	return attribute.String(AttrBusTopic, topic)
}

// QueueDepth returns an attribute for the persisted queue's current depth.
func QueueDepth(n int) attribute.KeyValue {
	return attribute.Int(AttrQueueDepth, n)
}

// ControlTxID returns an attribute for a control transaction identifier.
func ControlTxID(id string) attribute.KeyValue {
	return attribute.String(AttrControlTxID, id)
}

// ControlField returns attributes for the control table/field being written.
func ControlField(table, field string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrControlTable, table),
		attribute.String(AttrControlField, field),
	}
}

// StartFrameSpan starts a span for processing a single XML frame.
func StartFrameSpan(ctx context.Context, connID, table string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{ConnID(connID), FrameTable(table)}, attrs...)
	return StartSpan(ctx, "frame."+table, trace.WithAttributes(allAttrs...))
}

// StartCloudSpan starts a span for a cloud session operation.
func StartCloudSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "cloud."+operation, trace.WithAttributes(attrs...))
}

// StartControlSpan starts a span for a control write transaction.
func StartControlSpan(ctx context.Context, txID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{ControlTxID(txID)}, attrs...)
	return StartSpan(ctx, "control.write", trace.WithAttributes(allAttrs...))
}

// StartBusSpan starts a span for a message bus publish or dispatch.
func StartBusSpan(ctx context.Context, operation, topic string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{BusTopic(topic)}, attrs...)
	return StartSpan(ctx, "bus."+operation, trace.WithAttributes(allAttrs...))
}

// FormatHex renders a byte slice as a lowercase hex string, for attribute
// values where a raw frame or payload needs a stable text representation.
func FormatHex(b []byte) string {
	return fmt.Sprintf("%x", b)
}
