// SPDX-License-Identifier: MIT

// Package lifecycle implements the moderation state machine of a room's
// track queue. The transition table is the single source of truth for
// which edges exist; Dispatch is the only entry point that applies one.
package lifecycle

// EventKind names a moderation event applied to a queue candidate.
type EventKind string

const (
	EvApprove  EventKind = "approve"
	EvReject   EventKind = "reject"
	EvExpire   EventKind = "expire"
	EvActivate EventKind = "activate"
)

// Event is one moderation action with its optional operator reason.
type Event struct {
	Kind   EventKind
	Reason string
}
