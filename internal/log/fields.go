// SPDX-License-Identifier: MIT
package log

// Canonical structured-log field names. Every package uses these
// constants so downstream queries never chase spelling drift.
const (
	FieldComponent     = "component"
	FieldEvent         = "event"
	FieldCorrelationID = "correlation_id"

	FieldRoomID        = "room_id"
	FieldSessionID     = "session_id"
	FieldParticipantID = "participant_id"
	FieldTrackID       = "track_id"
	FieldCandidateID   = "candidate_id"
	FieldReceiptID     = "receipt_id"
	FieldSequence      = "sequence"
	FieldWindowStart   = "window_start"
	FieldWindowEnd     = "window_end"
	FieldSignerKeyID   = "signer_key_id"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	FieldBytes    = "bytes"
	FieldLayer    = "layer"
	FieldAttempt  = "attempt"
	FieldDuration = "duration_ms"
	FieldError    = "error"
)
