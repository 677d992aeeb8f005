// SPDX-License-Identifier: MIT
package lifecycle

import (
	"github.com/proofcast/proofcast/internal/domain/room/model"
)

// Transition is a single allowed edge in the candidate state machine.
type Transition struct {
	From  model.CandidateState
	To    model.CandidateState
	Event EventKind
}

// transitionsTable enumerates every legal edge. Only the
// Pending → Approved → Activated path produces a distributable track;
// Rejected and Expired are terminal, and Activated candidates live on
// as active tracks outside the queue.
var transitionsTable = []Transition{
	{From: model.CandidatePending, To: model.CandidateApproved, Event: EvApprove},
	{From: model.CandidatePending, To: model.CandidateRejected, Event: EvReject},
	{From: model.CandidatePending, To: model.CandidateExpired, Event: EvExpire},
	{From: model.CandidateApproved, To: model.CandidateActivated, Event: EvActivate},
	// Pre-promotion revocation.
	{From: model.CandidateApproved, To: model.CandidateRejected, Event: EvReject},
}

// TransitionFor returns the allowed transition for a state+event pair.
func TransitionFor(from model.CandidateState, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// Dispatch resolves and applies the transition for ev on cand. Illegal
// edges return InvalidTransition without mutating the candidate.
func Dispatch(cand *model.TrackCandidate, ev Event, now uint64) (Transition, error) {
	if cand.State.IsTerminal() {
		return Transition{}, model.Failf(model.FailInvalidTransition,
			"candidate %s is terminal in state %s", cand.CandidateID, cand.State)
	}
	tr, ok := TransitionFor(cand.State, ev.Kind)
	if !ok {
		return Transition{}, model.Failf(model.FailInvalidTransition,
			"candidate %s: no edge %s from %s", cand.CandidateID, ev.Kind, cand.State)
	}
	cand.State = tr.To
	cand.DecidedAtNanos = now
	if ev.Reason != "" {
		cand.Reason = ev.Reason
	}
	return tr, nil
}
