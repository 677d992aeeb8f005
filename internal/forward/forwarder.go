// SPDX-License-Identifier: MIT
package forward

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/proofcast/proofcast/internal/clock"
	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/domain/room/ports"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/meter"
	"github.com/proofcast/proofcast/internal/metrics"
)

// sustainedCongestion is how long a congestion burst may last before
// the subscriber is paused instead of merely downgraded.
const sustainedCongestion = 2 * time.Second

// burstGap is the silence after which a new congestion report starts a
// fresh burst rather than extending the previous one.
const burstGap = 2 * time.Second

// downgradeEvery paces layer downgrades within a burst so a storm of
// callbacks cannot skip straight to the bottom rung.
const downgradeEvery = 500 * time.Millisecond

// sendTimeout bounds a single transport send so one dead subscriber
// cannot wedge the fan-out goroutine.
const sendTimeout = time.Second

// DiagnosticFunc receives the scheduler's asynchronous diagnostics.
type DiagnosticFunc func(model.Event)

type congestionState struct {
	drop       int
	firstNanos uint64
	lastNanos  uint64
	paused     bool
	limiter    *rate.Limiter
}

// Forwarder fans packets out to a room's subscribers according to the
// current routing plan. Forward runs on the ingest goroutine of each
// track, which preserves per-(track, layer) arrival order without any
// queueing of its own.
type Forwarder struct {
	roomID    string
	transport ports.Transport
	meter     *meter.RoomMeter
	clk       clock.Clock
	onDiag    DiagnosticFunc
	logger    zerolog.Logger

	plan atomic.Pointer[plan]

	mu         sync.Mutex
	tracks     []model.ActiveTrack
	subs       []Subscriber
	congestion map[string]*congestionState
}

// New creates a forwarder with an empty plan. onDiag may be nil.
func New(roomID string, transport ports.Transport, rm *meter.RoomMeter, clk clock.Clock, onDiag DiagnosticFunc) *Forwarder {
	f := &Forwarder{
		roomID:     roomID,
		transport:  transport,
		meter:      rm,
		clk:        clk,
		onDiag:     onDiag,
		logger:     log.WithComponent("forwarder").With().Str(log.FieldRoomID, roomID).Logger(),
		congestion: make(map[string]*congestionState),
	}
	f.plan.Store(buildPlan(nil, nil, nil, nil))
	return f
}

// UpdatePlan recomputes the routing plan for the given room state.
// Called by the room actor whenever tracks or sessions change; in-flight
// forwarding for removed subjects reads the old plan and is abandoned
// on the next packet.
func (f *Forwarder) UpdatePlan(tracks []model.ActiveTrack, subs []Subscriber) {
	f.mu.Lock()
	f.tracks = append([]model.ActiveTrack(nil), tracks...)
	f.subs = append([]Subscriber(nil), subs...)
	f.rebuildLocked()
	f.mu.Unlock()
}

// rebuildLocked recomputes the plan from the cached state and current
// congestion levels. Caller holds f.mu.
func (f *Forwarder) rebuildLocked() {
	drops := make(map[string]int, len(f.congestion))
	paused := make(map[string]bool, len(f.congestion))
	for sessionID, st := range f.congestion {
		drops[sessionID] = st.drop
		paused[sessionID] = st.paused
	}
	f.plan.Store(buildPlan(f.tracks, f.subs, drops, paused))
}

// Forward fans one packet out to every subscriber the plan selects for
// its (track, layer). Egress bytes are metered per successful send.
func (f *Forwarder) Forward(ctx context.Context, pkt ports.Packet) {
	p := f.plan.Load()
	routes := p.routes[pkt.TrackID]
	for _, rt := range routes {
		if !rt.sel.forward {
			metrics.IncForwardSkip(rt.sel.skip)
			continue
		}
		if rt.sel.layerID != pkt.LayerID {
			metrics.IncForwardSkip(SkipLayer)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := f.transport.Send(sendCtx, rt.sessionID, pkt)
		cancel()
		if err != nil {
			f.logger.Debug().Err(err).
				Str(log.FieldSessionID, rt.sessionID).
				Str(log.FieldTrackID, pkt.TrackID).
				Msg("transport send failed")
			continue
		}
		f.meter.RecordOut(rt.sessionID, pkt.TrackID, pkt.Len())
		metrics.ForwardedPacketsTotal.Inc()
		metrics.ForwardedBytesTotal.Add(float64(pkt.Len()))
	}
}

// ReportCongestion is the transport's congestion callback for a
// subscriber. The first report of a burst downgrades one layer; a burst
// sustained beyond two seconds pauses the subscriber and raises the
// subscriber-degraded diagnostic.
func (f *Forwarder) ReportCongestion(sessionID string) {
	now := f.clk.NowNanos()

	f.mu.Lock()
	st, ok := f.congestion[sessionID]
	if !ok {
		st = &congestionState{limiter: rate.NewLimiter(rate.Every(downgradeEvery), 1)}
		f.congestion[sessionID] = st
	}

	fresh := st.lastNanos == 0 || now-st.lastNanos > uint64(burstGap.Nanoseconds())
	if fresh {
		st.firstNanos = now
		st.drop = 0
	}
	st.lastNanos = now

	var pausedNow bool
	switch {
	case st.paused:
		// Already paused; nothing further to degrade.
	case !fresh && now-st.firstNanos > uint64(sustainedCongestion.Nanoseconds()):
		st.paused = true
		pausedNow = true
		metrics.SubscriberDegradationsTotal.WithLabelValues("pause").Inc()
	default:
		if st.limiter.Allow() || fresh {
			st.drop++
			metrics.SubscriberDegradationsTotal.WithLabelValues("downgrade").Inc()
		}
	}
	f.rebuildLocked()
	f.mu.Unlock()

	if pausedNow {
		f.logger.Warn().
			Str(log.FieldSessionID, sessionID).
			Msg("sustained congestion; subscriber paused")
		if f.onDiag != nil {
			f.onDiag(model.NewDiagnostic(f.roomID, now, model.DiagSubscriberDegraded,
				map[string]string{"sessionId": sessionID}))
		}
	}
}

// ClearCongestion resets a subscriber's congestion state, restoring its
// full layer selection. Called when the transport reports recovery.
func (f *Forwarder) ClearCongestion(sessionID string) {
	f.mu.Lock()
	if _, ok := f.congestion[sessionID]; ok {
		delete(f.congestion, sessionID)
		f.rebuildLocked()
	}
	f.mu.Unlock()
}

// SelectedLayer reports the layer the current plan selects for a
// subscriber on a track, for tests and the ops surface.
func (f *Forwarder) SelectedLayer(sessionID, trackID string) (string, bool) {
	p := f.plan.Load()
	for _, rt := range p.routes[trackID] {
		if rt.sessionID == sessionID {
			return rt.sel.layerID, rt.sel.forward
		}
	}
	return "", false
}
