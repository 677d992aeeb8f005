// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/v1/rooms", "http://localhost:8090/v1/rooms", 200)

	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/v1/rooms")
	verifyAttribute(t, attrs, HTTPURLKey, "http://localhost:8090/v1/rooms")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestRoomAttributes(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		state   string
		wantLen int
	}{
		{name: "all fields", roomID: "room-1", state: "OPEN", wantLen: 2},
		{name: "only id", roomID: "room-1", state: "", wantLen: 1},
		{name: "empty fields", roomID: "", state: "", wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := RoomAttributes(tt.roomID, tt.state)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.roomID != "" {
				verifyAttribute(t, attrs, RoomIDKey, tt.roomID)
			}
			if tt.state != "" {
				verifyAttribute(t, attrs, RoomStateKey, tt.state)
			}
		})
	}
}

func TestTrackAttributes(t *testing.T) {
	attrs := TrackAttributes("trk-1", "av1", "CC")

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, TrackIDKey, "trk-1")
	verifyAttribute(t, attrs, TrackCodecKey, "av1")
	verifyAttribute(t, attrs, TrackRightsKey, "CC")
}

func TestReceiptAttributes(t *testing.T) {
	attrs := ReceiptAttributes("rcp-1", 42, 7)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, ReceiptIDKey, "rcp-1")
	verifyInt64Attribute(t, attrs, ReceiptSequenceKey, 42)
	verifyIntAttribute(t, attrs, ReceiptEntriesKey, 7)
}

func TestOpAttributes(t *testing.T) {
	attrs := OpAttributes("room.join", "ok")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, OpNameKey, "room.join")
	verifyAttribute(t, attrs, OpResultKey, "ok")
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "network_error")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "network_error")
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyInt64Attribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != expectedValue {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
