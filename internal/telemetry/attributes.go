// SPDX-License-Identifier: MIT
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Room attributes
	RoomIDKey    = "room.id"
	RoomStateKey = "room.state"

	// Track attributes
	TrackIDKey     = "track.id"
	TrackCodecKey  = "track.codec"
	TrackRightsKey = "track.rights"

	// Session attributes
	SessionIDKey   = "session.id"
	SessionRoleKey = "session.role"

	// Receipt attributes
	ReceiptIDKey       = "receipt.id"
	ReceiptSequenceKey = "receipt.sequence"
	ReceiptEntriesKey  = "receipt.entries"

	// Control-plane attributes
	OpNameKey   = "op.name"
	OpResultKey = "op.result"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RoomAttributes creates room-scoped span attributes. Empty fields are
// omitted so callers can pass what they have.
func RoomAttributes(roomID, state string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if roomID != "" {
		attrs = append(attrs, attribute.String(RoomIDKey, roomID))
	}
	if state != "" {
		attrs = append(attrs, attribute.String(RoomStateKey, state))
	}
	return attrs
}

// TrackAttributes creates track-scoped span attributes.
func TrackAttributes(trackID, codec, rights string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TrackIDKey, trackID),
		attribute.String(TrackCodecKey, codec),
		attribute.String(TrackRightsKey, rights),
	}
}

// ReceiptAttributes creates receipt emission span attributes.
func ReceiptAttributes(receiptID string, sequence uint64, entries int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ReceiptIDKey, receiptID),
		attribute.Int64(ReceiptSequenceKey, int64(sequence)), //nolint:gosec // sequences stay far below int64 max
		attribute.Int(ReceiptEntriesKey, entries),
	}
}

// OpAttributes creates control-plane operation span attributes.
func OpAttributes(name, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(OpNameKey, name),
		attribute.String(OpResultKey, result),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
