package model

// EventKind names the logical event stream offered to external
// consumers. Transport framing is out of scope; the bus carries these
// in-process.
type EventKind string

const (
	EventRoomCreated      EventKind = "room.created"
	EventRoomClosed       EventKind = "room.closed"
	EventSessionJoined    EventKind = "session.joined"
	EventSessionLeft      EventKind = "session.left"
	EventTrackSubmitted   EventKind = "track.submitted"
	EventTrackModerated   EventKind = "track.moderated"
	EventTrackActivated   EventKind = "track.activated"
	EventTrackStopped     EventKind = "track.stopped"
	EventReceiptEmitted   EventKind = "receipt.emitted"
	EventDiagnosticRaised EventKind = "diagnostic.raised"
)

// DiagnosticKind names the non-fatal conditions raised asynchronously.
type DiagnosticKind string

const (
	DiagMeterOverflow        DiagnosticKind = "meter-overflow"
	DiagSubscriberDegraded   DiagnosticKind = "subscriber-degraded"
	DiagMissingTrackMetadata DiagnosticKind = "missing-track-metadata"
	DiagReceiptsStalled      DiagnosticKind = "receipts-stalled"
)

// Event is one entry of the event stream. Fields carry kind-specific
// detail (sessionId, trackId, decision, receiptId, ...) as strings so
// consumers stay schema-tolerant.
type Event struct {
	Kind    EventKind         `json:"kind"`
	RoomID  string            `json:"roomId"`
	AtNanos uint64            `json:"atNanos"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Topic returns the bus topic an event is published under. Events fan
// out per kind; consumers subscribe to exactly what they handle.
func (e Event) Topic() string { return string(e.Kind) }

// NewDiagnostic builds the diagnostic.raised event for the given kind.
func NewDiagnostic(roomID string, at uint64, kind DiagnosticKind, fields map[string]string) Event {
	if fields == nil {
		fields = make(map[string]string, 1)
	}
	fields["diagnostic"] = string(kind)
	return Event{Kind: EventDiagnosticRaised, RoomID: roomID, AtNanos: at, Fields: fields}
}
