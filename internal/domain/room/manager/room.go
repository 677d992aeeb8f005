// SPDX-License-Identifier: MIT
package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/domain/room/lifecycle"
	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/forward"
	"github.com/proofcast/proofcast/internal/ident"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/meter"
	"github.com/proofcast/proofcast/internal/metrics"
	"github.com/proofcast/proofcast/internal/receipt"
	"github.com/proofcast/proofcast/internal/rights"
)

const (
	// housekeepEvery paces queue expiry, idle reaping, grace teardown,
	// and checkpoint flushes. Housekeeping also runs lazily before each
	// control operation so virtual-time tests observe it immediately.
	housekeepEvery = time.Second

	indexTimeout      = 5 * time.Second
	checkpointTimeout = 2 * time.Second
)

type opResult struct {
	value any
	err   error
}

type roomOp struct {
	ctx   context.Context
	name  string
	fn    func(*roomActor) (any, error)
	reply chan opResult
}

type activitySample struct {
	count       uint64
	seenAtNanos uint64
}

// roomActor owns all mutable state of one room. Every control operation
// runs on the actor goroutine via the mailbox; only info and the
// contributor table are read from outside, under mu.
type roomActor struct {
	c      *Coordinator
	logger zerolog.Logger

	infoMu       sync.Mutex
	info         model.RoomInfo
	contributors map[string]string // trackID -> uploader, survives track stop

	queue  *lifecycle.Queue
	meter  *meter.RoomMeter
	engine *receipt.Engine
	fwd    *forward.Forwarder

	sessions map[string]*model.Session
	tracks   map[string]*model.ActiveTrack
	activity map[string]activitySample

	emptySinceNanos     uint64
	nextHousekeepNanos  uint64
	nextCheckpointNanos uint64
	checkpointID        uint64
	dirty               bool
	closing             bool

	mailbox chan roomOp
	stallCh chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// spawnRoom builds a room actor, restores its queue from an optional
// checkpoint, starts the receipt engine, and launches the actor loop.
// Caller registers the returned actor in the room table.
func (c *Coordinator) spawnRoom(info model.RoomInfo, cp *model.QueueCheckpoint) (*roomActor, error) {
	if cp != nil {
		// Sessions and tracks are live media state; they do not survive a
		// restart. The queue and the chain do.
		info.State = model.RoomOpen
	}
	r := &roomActor{
		c:            c,
		logger:       log.WithComponent("room").With().Str(log.FieldRoomID, info.RoomID).Logger(),
		info:         info,
		contributors: make(map[string]string),
		queue:        lifecycle.NewQueue(info.RoomID, info.Config),
		sessions:     make(map[string]*model.Session),
		tracks:       make(map[string]*model.ActiveTrack),
		activity:     make(map[string]activitySample),
		mailbox:      make(chan roomOp, 64),
		stallCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	r.meter = c.meters.CreateRoom(info.RoomID, r.onMeterOverflow)
	r.fwd = forward.New(info.RoomID, c.cfg.Transport, r.meter, c.cfg.Clock, func(ev model.Event) {
		c.publish(ev)
	})
	if cp != nil {
		r.queue.Restore(cp.Candidates, cp.Cooldowns)
		r.checkpointID = cp.CheckpointID
	}

	r.engine = receipt.NewEngine(receipt.EngineConfig{
		RoomID:               info.RoomID,
		SignerKeyID:          c.cfg.SignerKeyID,
		WindowDuration:       info.Config.WindowDuration,
		MaxEntriesPerReceipt: info.Config.MaxEntriesPerReceipt,
		PendingWindowBound:   c.cfg.PendingWindowBound,
		Clock:                c.cfg.Clock,
		Snapshot:             r.drainMeter,
		Signer:               c.cfg.Signer,
		Log:                  c.cfg.Store,
		Sink:                 sinkChain{c: c, roomID: info.RoomID},
		NewReceiptID:         func() string { return ident.New(ident.KindReceipt) },
		OnStall:              r.notifyStall,
	})

	ctx, cancel := context.WithCancel(c.runCtx)
	r.cancel = cancel
	if err := r.engine.Start(ctx); err != nil {
		cancel()
		c.meters.DropRoom(info.RoomID)
		return nil, err
	}

	now := c.cfg.Clock.NowNanos()
	r.emptySinceNanos = now
	r.nextHousekeepNanos = now + uint64(housekeepEvery.Nanoseconds())
	r.nextCheckpointNanos = now + uint64(c.cfg.CheckpointEvery.Nanoseconds())
	// Initial checkpoint: a restart must be able to resurrect the room
	// even if it never saw a queue mutation.
	r.checkpoint()

	metrics.ActiveRooms.Inc()
	c.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *roomActor) run(ctx context.Context) {
	defer r.c.wg.Done()
	defer r.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stallCh:
			r.onStall()
		case op := <-r.mailbox:
			r.handle(op)
		case <-r.c.cfg.Clock.After(housekeepEvery):
			r.housekeepIfDue()
		}
	}
}

func (r *roomActor) handle(op roomOp) {
	// A deadline that expired while the op sat in the mailbox fails it
	// without touching room state.
	if err := op.ctx.Err(); err != nil {
		op.reply <- opResult{err: model.WrapFailure(model.FailDeadlineExceeded, op.name, err)}
		return
	}
	r.housekeepIfDue()
	v, err := op.fn(r)
	op.reply <- opResult{value: v, err: err}
}

// teardown runs once when the actor loop exits, on explicit close,
// grace expiry, or coordinator shutdown.
func (r *roomActor) teardown() {
	r.engine.Stop()
	r.checkpoint()

	for sessionID, sess := range r.sessions {
		r.c.sessionIndex.Delete(sessionID)
		metrics.ActiveSessions.WithLabelValues(string(sess.Role)).Dec()
	}
	for trackID, trk := range r.tracks {
		r.c.trackIndex.Delete(trackID)
		metrics.ActiveTracks.Dec()
		r.withdrawIndex(trk, "room-closed")
	}
	r.c.removeRoom(r.info.RoomID)

	if r.closing {
		r.publish(model.EventRoomClosed, nil)
	}
	r.logger.Info().Bool("closed", r.closing).Msg("room torn down")
	close(r.done)
}

// housekeepIfDue runs the periodic duties at most once per interval:
// pending-candidate expiry, idle-session reaping, grace teardown of
// empty rooms, and checkpoint flushes at the CheckpointEvery cadence.
func (r *roomActor) housekeepIfDue() {
	now := r.c.cfg.Clock.NowNanos()
	if now < r.nextHousekeepNanos {
		return
	}
	r.nextHousekeepNanos = now + uint64(housekeepEvery.Nanoseconds())

	for _, cand := range r.queue.ExpirePending(now) {
		metrics.IncQueueDecision("expired")
		r.dirty = true
		r.publish(model.EventTrackModerated, map[string]string{
			"candidateId": cand.CandidateID,
			"decision":    string(model.CandidateExpired),
		})
	}

	r.reapIdle(now)

	if len(r.sessions) == 0 && r.queue.Empty() {
		grace := uint64(r.info.Config.GracePeriod.Nanoseconds())
		switch {
		case r.emptySinceNanos == 0:
			r.emptySinceNanos = now
		case now-r.emptySinceNanos > grace && !r.closing:
			r.logger.Info().Msg("grace period elapsed; destroying room")
			r.beginClose()
		}
	} else {
		r.emptySinceNanos = 0
	}

	// Dirty state flushes at the configured checkpoint cadence, not on
	// every housekeeping tick; teardown always flushes regardless.
	if r.dirty && now >= r.nextCheckpointNanos {
		r.checkpoint()
		r.nextCheckpointNanos = now + uint64(r.c.cfg.CheckpointEvery.Nanoseconds())
	}
}

// reapIdle removes sessions with no metered traffic for the idle
// timeout. Activity is the meter's monotonic record count, so pure
// subscribers stay alive as long as egress flows to them.
func (r *roomActor) reapIdle(now uint64) {
	timeout := uint64(r.info.Config.SessionIdleTimeout.Nanoseconds())
	var idle []string
	for sessionID := range r.sessions {
		cur := r.meter.ActivityCount(sessionID)
		prev := r.activity[sessionID]
		if cur != prev.count {
			r.activity[sessionID] = activitySample{count: cur, seenAtNanos: now}
			continue
		}
		if now-prev.seenAtNanos > timeout {
			idle = append(idle, sessionID)
		}
	}
	for _, sessionID := range idle {
		metrics.SessionsReapedTotal.Inc()
		r.c.audit.ControlOp("session.reap", "system", r.info.RoomID, sessionID, nil,
			map[string]string{log.FieldReason: "idle"})
		if err := r.leave(sessionID); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("idle reap failed")
		}
	}
}

// join admits a participant and returns the new session ID.
func (r *roomActor) join(participantID string, role model.Role, caps model.SubscriberCaps) (string, error) {
	switch r.state() {
	case model.RoomClosed:
		return "", model.Failf(model.FailRoomClosed, "room %s is closed", r.info.RoomID)
	case model.RoomStalled:
		if role.CanPublish() {
			return "", model.Failf(model.FailReceiptsStalled,
				"room %s: receipt chain stalled; publishers locked out", r.info.RoomID)
		}
	}
	if max := r.c.cfg.MaxSessionsPerRoom; max > 0 && len(r.sessions) >= max {
		return "", model.Failf(model.FailCapacityExceeded,
			"room %s: session limit %d reached", r.info.RoomID, max)
	}

	now := r.c.cfg.Clock.NowNanos()
	sess := &model.Session{
		SessionID:         ident.New(ident.KindSession),
		RoomID:            r.info.RoomID,
		ParticipantID:     participantID,
		Role:              role,
		Caps:              caps,
		JoinedAtNanos:     now,
		LastActivityNanos: now,
	}
	r.sessions[sess.SessionID] = sess
	r.activity[sess.SessionID] = activitySample{seenAtNanos: now}
	r.meter.BindSession(sess.SessionID, participantID)
	metrics.ActiveSessions.WithLabelValues(string(role)).Inc()
	r.emptySinceNanos = 0
	r.rebuildPlan()

	r.publish(model.EventSessionJoined, map[string]string{
		"sessionId":     sess.SessionID,
		"participantId": participantID,
		"role":          string(role),
	})
	return sess.SessionID, nil
}

// leave removes a session. Idempotent.
func (r *roomActor) leave(sessionID string) error {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	var owned []string
	for trackID, trk := range r.tracks {
		if trk.OriginSession == sessionID {
			owned = append(owned, trackID)
		}
	}
	for _, trackID := range owned {
		if err := r.stopTrack(trackID, "publisher-left"); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldTrackID, trackID).Msg("stop on leave failed")
		}
	}

	r.meter.RetireSession(sessionID)
	delete(r.sessions, sessionID)
	delete(r.activity, sessionID)
	r.c.sessionIndex.Delete(sessionID)
	metrics.ActiveSessions.WithLabelValues(string(sess.Role)).Dec()
	r.rebuildPlan()

	r.publish(model.EventSessionLeft, map[string]string{
		"sessionId":     sessionID,
		"participantId": sess.ParticipantID,
	})
	if len(r.sessions) == 0 && r.queue.Empty() {
		r.emptySinceNanos = r.c.cfg.Clock.NowNanos()
	}
	return nil
}

// submitTrack queues a CID for moderation under the session's identity.
func (r *roomActor) submitTrack(sessionID, cid string, lic rights.License) (string, error) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return "", model.Failf(model.FailNotFound, "session %s not in room %s", sessionID, r.info.RoomID)
	}
	if !sess.Role.CanPublish() {
		return "", model.Failf(model.FailNotPublisher,
			"session %s has role %s; cannot submit tracks", sessionID, sess.Role)
	}
	switch r.state() {
	case model.RoomClosed:
		return "", model.Failf(model.FailRoomClosed, "room %s is closed", r.info.RoomID)
	case model.RoomStalled:
		return "", model.Failf(model.FailReceiptsStalled,
			"room %s: receipt chain stalled; submissions rejected", r.info.RoomID)
	}

	now := r.c.cfg.Clock.NowNanos()
	cand := model.TrackCandidate{
		CandidateID: ident.New(ident.KindCandidate),
		RoomID:      r.info.RoomID,
		CID:         cid,
		ProposedBy:  sess.ParticipantID,
		SessionID:   sessionID,
		Rights:      lic,
	}
	if err := r.queue.Submit(cand, now); err != nil {
		return "", err
	}
	r.dirty = true
	r.emptySinceNanos = 0

	r.publish(model.EventTrackSubmitted, map[string]string{
		"candidateId": cand.CandidateID,
		"cid":         cid,
		"sessionId":   sessionID,
		"rights":      string(lic),
	})
	return cand.CandidateID, nil
}

// moderate applies the owner's approve/reject decision.
func (r *roomActor) moderate(actorID, candidateID string, decision model.ModerationDecision, reason string) error {
	if actorID != r.info.OwnerID {
		return model.Failf(model.FailNotModerator, "%s does not moderate room %s", actorID, r.info.RoomID)
	}
	if r.state() == model.RoomClosed {
		return model.Failf(model.FailRoomClosed, "room %s is closed", r.info.RoomID)
	}

	now := r.c.cfg.Clock.NowNanos()
	cand, err := r.queue.Moderate(candidateID, decision, reason, now)
	if err != nil {
		return err
	}
	metrics.IncQueueDecision(strings.ToLower(string(cand.State)))
	r.dirty = true

	r.publish(model.EventTrackModerated, map[string]string{
		"candidateId": candidateID,
		"decision":    string(cand.State),
		log.FieldReason: reason,
	})
	return nil
}

// promote materializes an Approved candidate as an ActiveTrack with
// frozen rights and the supplied codec descriptor.
func (r *roomActor) promote(actorID, candidateID string, codec model.CodecDescriptor) (string, error) {
	if actorID != r.info.OwnerID {
		return "", model.Failf(model.FailNotModerator, "%s does not moderate room %s", actorID, r.info.RoomID)
	}
	switch r.state() {
	case model.RoomClosed:
		return "", model.Failf(model.FailRoomClosed, "room %s is closed", r.info.RoomID)
	case model.RoomStalled:
		return "", model.Failf(model.FailReceiptsStalled,
			"room %s: receipt chain stalled; promotions rejected", r.info.RoomID)
	}
	if codec.Codec == "" {
		return "", model.Failf(model.FailInvalidRights, "candidate %s: codec descriptor required", candidateID)
	}

	now := r.c.cfg.Clock.NowNanos()
	cand, err := r.queue.Activate(candidateID, now)
	if err != nil {
		return "", err
	}

	trk := &model.ActiveTrack{
		TrackID:        ident.New(ident.KindTrack),
		RoomID:         r.info.RoomID,
		CID:            cand.CID,
		ContributorID:  cand.ProposedBy,
		OriginSession:  cand.SessionID,
		Rights:         cand.Rights,
		Codec:          codec,
		StartedAtNanos: now,
	}
	r.tracks[trk.TrackID] = trk
	r.infoMu.Lock()
	r.contributors[trk.TrackID] = cand.ProposedBy
	r.infoMu.Unlock()
	metrics.ActiveTracks.Inc()
	metrics.IncQueueDecision("activated")
	r.dirty = true
	r.rebuildPlan()

	r.publish(model.EventTrackActivated, map[string]string{
		"trackId":     trk.TrackID,
		"candidateId": candidateID,
		"cid":         trk.CID,
		"rights":      string(trk.Rights),
	})

	// Directory announcement is external I/O; it never runs on the actor
	// goroutine and LICENSED content never reaches the directory.
	if r.c.cfg.Index != nil && rights.MayPublishToDirectory(trk.Rights) {
		announce := *trk
		r.c.async(func(ctx context.Context) {
			if err := r.c.cfg.Index.Publish(ctx, announce.RoomID, announce.TrackID, announce.CID, announce.Rights); err != nil {
				r.logger.Warn().Err(err).Str(log.FieldTrackID, announce.TrackID).Msg("directory publish failed")
			}
		})
	}
	return trk.TrackID, nil
}

// stopTrack drains a track's counters into the current window and
// removes it from forwarding.
func (r *roomActor) stopTrack(trackID, reason string) error {
	trk, ok := r.tracks[trackID]
	if !ok {
		return model.Failf(model.FailNotFound, "track %s not in room %s", trackID, r.info.RoomID)
	}
	r.meter.RetireTrack(trackID)
	delete(r.tracks, trackID)
	r.c.trackIndex.Delete(trackID)
	metrics.ActiveTracks.Dec()
	r.rebuildPlan()
	r.withdrawIndex(trk, reason)

	r.publish(model.EventTrackStopped, map[string]string{
		"trackId":       trackID,
		log.FieldReason: reason,
	})
	return nil
}

func (r *roomActor) withdrawIndex(trk *model.ActiveTrack, reason string) {
	if r.c.cfg.Index == nil || !rights.MayPublishToDirectory(trk.Rights) {
		return
	}
	roomID, trackID := trk.RoomID, trk.TrackID
	r.c.async(func(ctx context.Context) {
		if err := r.c.cfg.Index.Withdraw(ctx, roomID, trackID, reason); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldTrackID, trackID).Msg("directory withdraw failed")
		}
	})
}

// resumeReceipts clears a stall if the signing backlog has drained.
func (r *roomActor) resumeReceipts() error {
	if r.state() == model.RoomClosed {
		return model.Failf(model.FailRoomClosed, "room %s is closed", r.info.RoomID)
	}
	if !r.engine.TryResume() {
		return model.Failf(model.FailReceiptsStalled,
			"room %s: signing backlog not drained", r.info.RoomID)
	}
	if r.state() == model.RoomStalled {
		r.setState(model.RoomOpen)
		r.c.audit.Stall(r.info.RoomID, false)
		r.logger.Info().Msg("receipts resumed; publishers readmitted")
	}
	return nil
}

// beginClose marks the room closed and stops the actor loop; teardown
// finishes the job.
func (r *roomActor) beginClose() {
	if r.closing {
		return
	}
	r.closing = true
	r.setState(model.RoomClosed)
	r.cancel()
}

// onStall runs on the actor goroutine after the engine halts the chain.
func (r *roomActor) onStall() {
	if r.state() == model.RoomOpen {
		r.setState(model.RoomStalled)
	}
	r.c.audit.Stall(r.info.RoomID, true)
	r.publish(model.EventDiagnosticRaised, map[string]string{
		"diagnostic": string(model.DiagReceiptsStalled),
	})
}

// notifyStall is the engine's OnStall hook; it must not block.
func (r *roomActor) notifyStall() {
	select {
	case r.stallCh <- struct{}{}:
	default:
	}
}

// onMeterOverflow is the meter's wrap callback; it runs on the recording
// goroutine and must stay cheap.
func (r *roomActor) onMeterOverflow(sessionID, trackID string, _ model.Direction) {
	metrics.MeterOverflowTotal.Inc()
	ev := model.NewDiagnostic(r.info.RoomID, r.c.cfg.Clock.NowNanos(), model.DiagMeterOverflow,
		map[string]string{"sessionId": sessionID, "trackId": trackID})
	r.c.async(func(context.Context) { r.c.publish(ev) })
}

// drainMeter is the engine's window snapshot: it swaps the egress
// counters to zero and returns them as receipt entries.
func (r *roomActor) drainMeter() []receipt.Entry {
	deltas := r.meter.SnapshotAndReset()
	entries := make([]receipt.Entry, 0, len(deltas))
	for _, d := range deltas {
		entries = append(entries, receipt.Entry{
			ParticipantID: d.ParticipantID,
			TrackID:       d.TrackID,
			BytesOut:      d.Bytes,
		})
	}
	return entries
}

// rebuildPlan pushes the current tracks and subscribing sessions into
// the forwarder.
func (r *roomActor) rebuildPlan() {
	tracks := make([]model.ActiveTrack, 0, len(r.tracks))
	for _, trk := range r.tracks {
		tracks = append(tracks, *trk)
	}
	subs := make([]forward.Subscriber, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if !sess.Role.CanSubscribe() {
			continue
		}
		subs = append(subs, forward.Subscriber{
			SessionID:     sess.SessionID,
			ParticipantID: sess.ParticipantID,
			Caps:          sess.Caps,
		})
	}
	r.fwd.UpdatePlan(tracks, subs)
}

// checkpoint writes the queue snapshot with a monotonic checkpoint ID.
func (r *roomActor) checkpoint() {
	r.checkpointID++
	candidates, cooldowns := r.queue.Snapshot()
	cp := model.QueueCheckpoint{
		RoomID:       r.info.RoomID,
		CheckpointID: r.checkpointID,
		TakenAtNanos: r.c.cfg.Clock.NowNanos(),
		Room:         r.snapshotInfo(),
		Candidates:   candidates,
		Cooldowns:    cooldowns,
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := r.c.cfg.Store.PutCheckpoint(ctx, cp); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("failure").Inc()
		r.logger.Warn().Err(err).Uint64("checkpoint_id", cp.CheckpointID).Msg("checkpoint write failed")
		return
	}
	metrics.CheckpointsTotal.WithLabelValues("success").Inc()
	r.dirty = false
}

func (r *roomActor) publish(kind model.EventKind, fields map[string]string) {
	r.c.publish(model.Event{
		Kind:    kind,
		RoomID:  r.info.RoomID,
		AtNanos: r.c.cfg.Clock.NowNanos(),
		Fields:  fields,
	})
}

func (r *roomActor) state() model.RoomState {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	return r.info.State
}

func (r *roomActor) setState(s model.RoomState) {
	r.infoMu.Lock()
	r.info.State = s
	r.infoMu.Unlock()
}

// snapshotInfo returns a copy of the room header for external readers.
func (r *roomActor) snapshotInfo() model.RoomInfo {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	return r.info
}

// trackMetadata maps every track ever promoted in this room to its
// uploader, as the rewards calculator consumes it.
func (r *roomActor) trackMetadata() map[string]string {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	out := make(map[string]string, len(r.contributors))
	for trackID, uploader := range r.contributors {
		out[trackID] = uploader
	}
	return out
}

// async runs external I/O off the actor goroutine with a bounded
// lifetime, tracked by the coordinator's wait group.
func (c *Coordinator) async(fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		fn(ctx)
	}()
}
