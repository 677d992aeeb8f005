// SPDX-License-Identifier: MIT
package lifecycle

import (
	"time"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/rights"
)

// Queue is one room's ordered moderation queue. It owns the candidate
// records, the one-live-entry-per-CID index, and the rejection
// cooldowns. The room actor is the only caller; Queue itself is not
// concurrency-safe.
type Queue struct {
	roomID          string
	pendingTTL      time.Duration
	cooldown        time.Duration
	licensedAllowed bool

	order     []string // candidateIDs in submission order
	byID      map[string]*model.TrackCandidate
	liveByCID map[string]string // cid -> candidateID while Pending/Approved
	cooldowns map[string]uint64 // cid -> rejectedAtNanos
}

// NewQueue creates an empty queue with the room's normalized config.
func NewQueue(roomID string, cfg model.RoomConfig) *Queue {
	return &Queue{
		roomID:          roomID,
		pendingTTL:      cfg.PendingTTL,
		cooldown:        cfg.ResubmitCooldown,
		licensedAllowed: cfg.LicensedAllowed,
		byID:            make(map[string]*model.TrackCandidate),
		liveByCID:       make(map[string]string),
		cooldowns:       make(map[string]uint64),
	}
}

// Submit appends a new Pending candidate. A CID already Pending or
// Approved, or still inside its rejection cooldown, is a DuplicateCid
// failure.
func (q *Queue) Submit(cand model.TrackCandidate, now uint64) error {
	if !cand.Rights.Valid() {
		return model.Failf(model.FailInvalidRights, "candidate %s: unknown rights %q", cand.CandidateID, cand.Rights)
	}
	if _, live := q.liveByCID[cand.CID]; live {
		return model.Failf(model.FailDuplicateCid, "cid %s already queued in room %s", cand.CID, q.roomID)
	}
	if rejectedAt, ok := q.cooldowns[cand.CID]; ok {
		until := rejectedAt + uint64(q.cooldown.Nanoseconds())
		if now < until {
			return model.Failf(model.FailDuplicateCid,
				"cid %s rejected recently; resubmission allowed in %v", cand.CID, time.Duration(until-now))
		}
		delete(q.cooldowns, cand.CID)
	}

	cand.State = model.CandidatePending
	cand.SubmittedAtNanos = now
	stored := cand
	q.byID[cand.CandidateID] = &stored
	q.liveByCID[cand.CID] = cand.CandidateID
	q.order = append(q.order, cand.CandidateID)
	return nil
}

// Moderate applies an approve/reject decision. Approval of LICENSED
// content in a room that forbids it is a RightsPolicy failure; the
// candidate stays Pending.
func (q *Queue) Moderate(candidateID string, decision model.ModerationDecision, reason string, now uint64) (model.TrackCandidate, error) {
	cand, ok := q.byID[candidateID]
	if !ok {
		return model.TrackCandidate{}, model.Failf(model.FailNotFound, "candidate %s not in room %s", candidateID, q.roomID)
	}

	var ev Event
	switch decision {
	case model.DecisionApprove:
		if !rights.AllowedByPolicy(cand.Rights, q.licensedAllowed) {
			return model.TrackCandidate{}, model.Failf(model.FailRightsPolicy,
				"candidate %s: LICENSED content not allowed in room %s", candidateID, q.roomID)
		}
		ev = Event{Kind: EvApprove}
	case model.DecisionReject:
		ev = Event{Kind: EvReject, Reason: reason}
	default:
		return model.TrackCandidate{}, model.Failf(model.FailInvalidTransition, "unknown decision %q", decision)
	}

	if _, err := Dispatch(cand, ev, now); err != nil {
		return model.TrackCandidate{}, err
	}
	if cand.State == model.CandidateRejected {
		delete(q.liveByCID, cand.CID)
		q.cooldowns[cand.CID] = now
	}
	return *cand, nil
}

// Activate promotes an Approved candidate out of the queue. The caller
// materializes the ActiveTrack; the queue entry becomes terminal.
func (q *Queue) Activate(candidateID string, now uint64) (model.TrackCandidate, error) {
	cand, ok := q.byID[candidateID]
	if !ok {
		return model.TrackCandidate{}, model.Failf(model.FailNotFound, "candidate %s not in room %s", candidateID, q.roomID)
	}
	if !rights.AllowedByPolicy(cand.Rights, q.licensedAllowed) {
		return model.TrackCandidate{}, model.Failf(model.FailRightsPolicy,
			"candidate %s: LICENSED content not allowed in room %s", candidateID, q.roomID)
	}
	if _, err := Dispatch(cand, Event{Kind: EvActivate}, now); err != nil {
		return model.TrackCandidate{}, err
	}
	delete(q.liveByCID, cand.CID)
	return *cand, nil
}

// ExpirePending transitions every Pending candidate older than
// pendingTTL and returns the expired records, in submission order.
func (q *Queue) ExpirePending(now uint64) []model.TrackCandidate {
	ttl := uint64(q.pendingTTL.Nanoseconds())
	var expired []model.TrackCandidate
	for _, id := range q.order {
		cand := q.byID[id]
		if cand.State != model.CandidatePending {
			continue
		}
		if now < cand.SubmittedAtNanos+ttl {
			continue
		}
		if _, err := Dispatch(cand, Event{Kind: EvExpire}, now); err != nil {
			continue
		}
		delete(q.liveByCID, cand.CID)
		expired = append(expired, *cand)
	}
	return expired
}

// Get returns a copy of the candidate.
func (q *Queue) Get(candidateID string) (model.TrackCandidate, bool) {
	cand, ok := q.byID[candidateID]
	if !ok {
		return model.TrackCandidate{}, false
	}
	return *cand, true
}

// Candidates returns every candidate in submission order.
func (q *Queue) Candidates() []model.TrackCandidate {
	out := make([]model.TrackCandidate, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.byID[id])
	}
	return out
}

// Empty reports whether no candidate is live (Pending or Approved).
// Terminal entries do not hold a room open.
func (q *Queue) Empty() bool { return len(q.liveByCID) == 0 }

// Snapshot captures the queue for a checkpoint.
func (q *Queue) Snapshot() ([]model.TrackCandidate, map[string]uint64) {
	cooldowns := make(map[string]uint64, len(q.cooldowns))
	for cid, at := range q.cooldowns {
		cooldowns[cid] = at
	}
	return q.Candidates(), cooldowns
}

// Restore rebuilds queue state from a checkpoint, replacing anything
// already present. Live-CID indexing is rederived from candidate state.
func (q *Queue) Restore(candidates []model.TrackCandidate, cooldowns map[string]uint64) {
	q.order = q.order[:0]
	q.byID = make(map[string]*model.TrackCandidate, len(candidates))
	q.liveByCID = make(map[string]string)
	for _, cand := range candidates {
		stored := cand
		q.byID[cand.CandidateID] = &stored
		q.order = append(q.order, cand.CandidateID)
		if !cand.State.IsTerminal() {
			q.liveByCID[cand.CID] = cand.CandidateID
		}
	}
	q.cooldowns = make(map[string]uint64, len(cooldowns))
	for cid, at := range cooldowns {
		q.cooldowns[cid] = at
	}
}
