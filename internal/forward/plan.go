// SPDX-License-Identifier: MIT

// Package forward implements the per-room forwarding scheduler: an
// immutable routing plan computed from the active track and subscriber
// sets, per-packet fan-out through the transport, and the congestion
// tracker that degrades simulcast layers under pressure.
package forward

import (
	"sort"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/rights"
)

// Subscriber is the scheduler's view of a session eligible for egress.
type Subscriber struct {
	SessionID     string
	ParticipantID string
	Caps          model.SubscriberCaps
}

// Skip reasons recorded when a packet is withheld from a subscriber.
const (
	SkipRights   = "rights"
	SkipCodec    = "codec"
	SkipLayer    = "layer"
	SkipCapacity = "capacity"
	SkipPaused   = "paused"
)

// selection is one subscriber's routing decision for one track.
type selection struct {
	layerID string
	forward bool
	skip    string // reason when forward is false
}

// plan is an immutable routing snapshot. The forwarder swaps whole
// plans; per-packet work only reads.
type plan struct {
	// routes[trackID] lists the subscribers a packet on that track
	// fans out to, with their selected layer.
	routes map[string][]route
}

type route struct {
	sessionID string
	sel       selection
}

// layersOf returns the track's ladder sorted by descending bitrate. A
// track without declared layers gets a single anonymous rung so the
// admission loop treats it uniformly.
func layersOf(t model.ActiveTrack) []model.SimulcastLayer {
	if len(t.Codec.Layers) == 0 {
		return []model.SimulcastLayer{{LayerID: "", BitrateBps: 0}}
	}
	ladder := append([]model.SimulcastLayer(nil), t.Codec.Layers...)
	sort.SliceStable(ladder, func(i, j int) bool { return ladder[i].BitrateBps > ladder[j].BitrateBps })
	return ladder
}

// degradeOrder sorts tracks newest-first, trackID as tie-break: the
// deterministic priority in which admission control steals bandwidth.
func degradeOrder(tracks []model.ActiveTrack) []model.ActiveTrack {
	out := append([]model.ActiveTrack(nil), tracks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAtNanos != out[j].StartedAtNanos {
			return out[i].StartedAtNanos > out[j].StartedAtNanos
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// buildPlan computes the routing plan for the current room state.
// congestionDrop gives each subscriber's extra downgrade rungs; paused
// subscribers keep their selections but marked paused.
func buildPlan(tracks []model.ActiveTrack, subs []Subscriber, congestionDrop map[string]int, paused map[string]bool) *plan {
	p := &plan{routes: make(map[string][]route, len(tracks))}

	for _, sub := range subs {
		selections := selectForSubscriber(tracks, sub, congestionDrop[sub.SessionID])
		for trackID, sel := range selections {
			if paused[sub.SessionID] && sel.forward {
				sel = selection{layerID: sel.layerID, forward: false, skip: SkipPaused}
			}
			p.routes[trackID] = append(p.routes[trackID], route{sessionID: sub.SessionID, sel: sel})
		}
	}

	// Deterministic fan-out order per track.
	for trackID := range p.routes {
		rs := p.routes[trackID]
		sort.Slice(rs, func(i, j int) bool { return rs[i].sessionID < rs[j].sessionID })
		p.routes[trackID] = rs
	}
	return p
}

// selectForSubscriber picks a layer per track for one subscriber and
// runs admission control against its bitrate budget.
func selectForSubscriber(tracks []model.ActiveTrack, sub Subscriber, extraDrop int) map[string]selection {
	out := make(map[string]selection, len(tracks))

	// rung[trackID] indexes into the track's descending ladder.
	rung := make(map[string]int, len(tracks))
	eligible := make([]model.ActiveTrack, 0, len(tracks))

	for _, t := range tracks {
		if !rights.MayDistribute(t.Rights, sub.Caps.Tokens) {
			out[t.TrackID] = selection{forward: false, skip: SkipRights}
			continue
		}
		if !sub.Caps.SupportsCodec(t.Codec.Codec) {
			out[t.TrackID] = selection{forward: false, skip: SkipCodec}
			continue
		}
		start := extraDrop
		if max := len(layersOf(t)) - 1; start > max {
			start = max
		}
		rung[t.TrackID] = start
		eligible = append(eligible, t)
	}

	if sub.Caps.MaxBitrateBps > 0 {
		admit(eligible, rung, sub.Caps.MaxBitrateBps, out)
	}

	for _, t := range eligible {
		if _, dropped := out[t.TrackID]; dropped {
			continue
		}
		ladder := layersOf(t)
		out[t.TrackID] = selection{layerID: ladder[rung[t.TrackID]].LayerID, forward: true}
	}
	return out
}

// admit degrades layer choices until the summed bitrate fits the
// budget, newest tracks first. A track already at its lowest rung is
// excluded entirely when the budget still cannot be met.
func admit(eligible []model.ActiveTrack, rung map[string]int, budget int64, out map[string]selection) {
	order := degradeOrder(eligible)
	excluded := make(map[string]bool)

	total := func() int64 {
		var sum int64
		for _, t := range eligible {
			if excluded[t.TrackID] {
				continue
			}
			sum += layersOf(t)[rung[t.TrackID]].BitrateBps
		}
		return sum
	}

	for total() > budget {
		degraded := false
		for _, t := range order {
			if excluded[t.TrackID] {
				continue
			}
			ladder := layersOf(t)
			if rung[t.TrackID] < len(ladder)-1 {
				rung[t.TrackID]++
				degraded = true
				break
			}
		}
		if degraded {
			continue
		}
		// Everything is at its lowest rung; exclude in priority order.
		for _, t := range order {
			if !excluded[t.TrackID] {
				excluded[t.TrackID] = true
				out[t.TrackID] = selection{forward: false, skip: SkipCapacity}
				break
			}
		}
		if len(excluded) == len(eligible) {
			return
		}
	}
}
