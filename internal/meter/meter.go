// SPDX-License-Identifier: MIT

// Package meter implements wait-free byte accounting per
// (session, track, direction). The hot path is a sync.Map lookup plus an
// atomic add; snapshots swap counters to zero so every byte lands in
// exactly one window. The meter is the only structure written by
// multiple goroutines without room serialization.
package meter

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/proofcast/proofcast/internal/domain/room/model"
)

// OverflowFunc is invoked when a single window wraps a 64-bit counter.
// The wrapped (partial) delta still drains normally; the callback raises
// the meter-overflow diagnostic. Must be safe for concurrent use.
type OverflowFunc func(sessionID, trackID string, dir model.Direction)

// EgressDelta is one drained (participant, track) egress aggregate.
type EgressDelta struct {
	ParticipantID string
	TrackID       string
	Bytes         uint64
}

type counterKey struct {
	sessionID string
	trackID   string
	dir       model.Direction
}

type counter struct {
	bytes   atomic.Uint64
	retired atomic.Bool
}

type binding struct {
	participantID string
	retired       atomic.Bool
	activity      atomic.Uint64
}

// Meter is the process-wide registry of per-room meters.
type Meter struct {
	rooms sync.Map // roomID -> *RoomMeter
}

// New creates an empty meter registry.
func New() *Meter {
	return &Meter{}
}

// CreateRoom registers a room meter. The overflow callback may be nil.
func (m *Meter) CreateRoom(roomID string, onOverflow OverflowFunc) *RoomMeter {
	rm := &RoomMeter{roomID: roomID, onOverflow: onOverflow}
	actual, _ := m.rooms.LoadOrStore(roomID, rm)
	return actual.(*RoomMeter)
}

// Room returns the meter for roomID if registered.
func (m *Meter) Room(roomID string) (*RoomMeter, bool) {
	v, ok := m.rooms.Load(roomID)
	if !ok {
		return nil, false
	}
	return v.(*RoomMeter), true
}

// DropRoom removes a room meter. Call only after the final drain.
func (m *Meter) DropRoom(roomID string) {
	m.rooms.Delete(roomID)
}

// RoomMeter owns the counters of one room's meter namespace.
type RoomMeter struct {
	roomID     string
	entries    sync.Map // counterKey -> *counter
	bindings   sync.Map // sessionID -> *binding
	onOverflow OverflowFunc
}

// BindSession attributes a session's egress to a participant. Must be
// called before any traffic is recorded for the session.
func (r *RoomMeter) BindSession(sessionID, participantID string) {
	r.bindings.LoadOrStore(sessionID, &binding{participantID: participantID})
}

// RetireSession marks a session's counters for removal after the next
// drain. Bytes already recorded stay attributed to the closing window.
func (r *RoomMeter) RetireSession(sessionID string) {
	if v, ok := r.bindings.Load(sessionID); ok {
		v.(*binding).retired.Store(true)
	}
	r.entries.Range(func(k, v any) bool {
		if k.(counterKey).sessionID == sessionID {
			v.(*counter).retired.Store(true)
		}
		return true
	})
}

// RetireTrack marks a destroyed track's counters for removal after the
// next drain, attributing the remaining bytes to the window in which
// the destruction occurred.
func (r *RoomMeter) RetireTrack(trackID string) {
	r.entries.Range(func(k, v any) bool {
		if k.(counterKey).trackID == trackID {
			v.(*counter).retired.Store(true)
		}
		return true
	})
}

// RecordIn adds n ingress bytes for (sessionID, trackID). Wait-free.
func (r *RoomMeter) RecordIn(sessionID, trackID string, n uint64) {
	r.record(sessionID, trackID, model.DirIn, n)
}

// RecordOut adds n egress bytes for (sessionID, trackID). Wait-free.
func (r *RoomMeter) RecordOut(sessionID, trackID string, n uint64) {
	r.record(sessionID, trackID, model.DirOut, n)
}

func (r *RoomMeter) record(sessionID, trackID string, dir model.Direction, n uint64) {
	if n == 0 {
		return
	}
	key := counterKey{sessionID: sessionID, trackID: trackID, dir: dir}
	for n > 0 {
		v, ok := r.entries.Load(key)
		if !ok {
			v, _ = r.entries.LoadOrStore(key, &counter{})
		}
		c := v.(*counter)
		if next := c.bytes.Add(n); next < n {
			// Wrapped 2^64 inside one window. The wrapped value drains as a
			// partial delta; the diagnostic makes the loss auditable.
			if r.onOverflow != nil {
				r.onOverflow(sessionID, trackID, dir)
			}
		}
		if cur, ok := r.entries.Load(key); ok && cur.(*counter) == c {
			break
		}
		// A drain removed this entry between the load and the add. Take
		// back whatever landed on the orphaned counter and credit it to
		// the live one; the drain's residue sweep may have claimed it
		// first, in which case the swap reads zero and we are done.
		n = c.bytes.Swap(0)
	}
	if b, ok := r.bindings.Load(sessionID); ok {
		b.(*binding).activity.Add(1)
	}
}

// ActivityCount returns a monotonic count of record calls for the
// session. The idle reaper compares successive readings; it never
// resets.
func (r *RoomMeter) ActivityCount(sessionID string) uint64 {
	if v, ok := r.bindings.Load(sessionID); ok {
		return v.(*binding).activity.Load()
	}
	return 0
}

// SnapshotAndReset atomically drains all egress deltas, aggregated by
// (participant, track) and sorted lexicographically. Counters marked
// retired are removed after draining; a record racing the swap lands in
// either the closed window or the next one, never both, never neither.
func (r *RoomMeter) SnapshotAndReset() []EgressDelta {
	type aggKey struct{ participantID, trackID string }
	agg := make(map[aggKey]uint64)
	liveSessions := make(map[string]struct{})

	r.entries.Range(func(k, v any) bool {
		key := k.(counterKey)
		c := v.(*counter)
		if key.dir == model.DirOut {
			if delta := c.bytes.Swap(0); delta > 0 {
				agg[aggKey{r.participantFor(key.sessionID), key.trackID}] += delta
			}
		}
		if c.retired.Load() {
			r.entries.Delete(k)
			// A recorder that loaded the counter before the delete may
			// have added to it after the swap above. Sweep that residue
			// into this window so it is not stranded on the removed
			// counter; record's re-validation covers the adds that land
			// after this second swap.
			if key.dir == model.DirOut {
				if residue := c.bytes.Swap(0); residue > 0 {
					agg[aggKey{r.participantFor(key.sessionID), key.trackID}] += residue
				}
			}
		} else {
			liveSessions[key.sessionID] = struct{}{}
		}
		return true
	})

	r.bindings.Range(func(k, v any) bool {
		sessionID := k.(string)
		if _, live := liveSessions[sessionID]; !live && v.(*binding).retired.Load() {
			r.bindings.Delete(k)
		}
		return true
	})

	out := make([]EgressDelta, 0, len(agg))
	for k, bytes := range agg {
		out = append(out, EgressDelta{ParticipantID: k.participantID, TrackID: k.trackID, Bytes: bytes})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantID != out[j].ParticipantID {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

func (r *RoomMeter) participantFor(sessionID string) string {
	if v, ok := r.bindings.Load(sessionID); ok {
		return v.(*binding).participantID
	}
	// Unbound sessions should not carry traffic; attribute to the
	// session itself rather than dropping the bytes.
	return sessionID
}
