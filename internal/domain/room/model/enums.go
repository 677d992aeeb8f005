// Package model holds the room domain records: sessions, queue
// candidates, active tracks, room configuration, events, and the typed
// failure codes surfaced by control operations. Cross-links between
// records use IDs, never pointers; the room actor owns the tables.
package model

// Role describes what a session is allowed to do in a room.
type Role string

const (
	RolePublisher  Role = "PUBLISHER"
	RoleSubscriber Role = "SUBSCRIBER"
	RoleBoth       Role = "BOTH"
)

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	switch r {
	case RolePublisher, RoleSubscriber, RoleBoth:
		return true
	}
	return false
}

// CanPublish reports whether the role admits track submission.
func (r Role) CanPublish() bool { return r == RolePublisher || r == RoleBoth }

// CanSubscribe reports whether the role admits egress forwarding.
func (r Role) CanSubscribe() bool { return r == RoleSubscriber || r == RoleBoth }

// CandidateState is the moderation lifecycle of a queued track.
// Keep these stable: queue checkpoints and audit records persist them.
type CandidateState string

const (
	CandidatePending   CandidateState = "PENDING"
	CandidateApproved  CandidateState = "APPROVED"
	CandidateRejected  CandidateState = "REJECTED"
	CandidateExpired   CandidateState = "EXPIRED"
	CandidateActivated CandidateState = "ACTIVATED"
)

// IsTerminal returns true if the state is a final state. An activated
// candidate lives on as an ActiveTrack; the queue entry itself is done.
func (s CandidateState) IsTerminal() bool {
	switch s {
	case CandidateRejected, CandidateExpired, CandidateActivated:
		return true
	}
	return false
}

// RoomState is the operator-visible room lifecycle.
type RoomState string

const (
	// RoomOpen admits sessions and track operations.
	RoomOpen RoomState = "OPEN"
	// RoomStalled means the receipt chain cannot advance; publishers are
	// locked out until operator intervention, subscribers keep receiving.
	RoomStalled RoomState = "RECEIPTS_STALLED"
	// RoomClosed admits nothing; the room is awaiting teardown.
	RoomClosed RoomState = "CLOSED"
)

// Direction distinguishes ingress from egress when metering bytes.
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// ModerationDecision is the action a moderator takes on a candidate.
type ModerationDecision string

const (
	DecisionApprove ModerationDecision = "APPROVE"
	DecisionReject  ModerationDecision = "REJECT"
)
