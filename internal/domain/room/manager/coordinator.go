// SPDX-License-Identifier: MIT

// Package manager owns room lifecycle and the control plane. Each room
// is a single-writer actor: control operations are routed through the
// room's mailbox and execute one at a time, so observers see a serial
// history per room. The meter is the only state written outside that
// serialization; external I/O (signing, directory publication) never
// runs while an operation holds the room slot.
package manager

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/proofcast/proofcast/internal/audit"
	"github.com/proofcast/proofcast/internal/bus"
	"github.com/proofcast/proofcast/internal/clock"
	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/domain/room/ports"
	"github.com/proofcast/proofcast/internal/ident"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/meter"
	"github.com/proofcast/proofcast/internal/metrics"
	"github.com/proofcast/proofcast/internal/receipt"
	"github.com/proofcast/proofcast/internal/receipt/store"
	"github.com/proofcast/proofcast/internal/rights"
	"github.com/proofcast/proofcast/internal/telemetry"
)

const (
	defaultOpDeadline      = 5 * time.Second
	defaultCheckpointEvery = 30 * time.Second
)

// Config wires a Coordinator.
type Config struct {
	Clock       clock.Clock
	Store       store.Store
	Bus         bus.Bus
	Signer      ports.Signer
	SignerKeyID string
	Transport   ports.Transport
	Index       ports.IndexPublisher
	Sink        ports.ReceiptSink // optional extra receipt consumer

	// Defaults seeds unset per-room options at creation.
	Defaults model.RoomConfig
	// OpDeadline bounds every control operation end to end.
	OpDeadline time.Duration
	// CheckpointEvery is the queue checkpoint interval.
	CheckpointEvery time.Duration
	// MaxSessionsPerRoom caps joins; zero means unbounded.
	MaxSessionsPerRoom int
	// PendingWindowBound is handed to each room's receipt engine.
	PendingWindowBound int
}

func (c Config) withDefaults() Config {
	if c.OpDeadline <= 0 {
		c.OpDeadline = defaultOpDeadline
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
	return c
}

// Coordinator is the control-plane entry point. All methods are safe
// for concurrent use; per-room work is serialized by the room actor.
type Coordinator struct {
	cfg    Config
	meters *meter.Meter
	audit  *audit.Logger
	logger zerolog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	rooms map[string]*roomActor

	sessionIndex sync.Map // sessionID -> roomID
	trackIndex   sync.Map // trackID -> roomID

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Call Start before use.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		meters: meter.New(),
		audit:  audit.NewLogger(),
		logger: log.WithComponent("coordinator"),
		tracer: telemetry.Tracer("coordinator"),
		rooms:  make(map[string]*roomActor),
	}
}

// Start restores checkpointed rooms from the store and begins serving.
// The context bounds the coordinator's lifetime.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(ctx)

	roomIDs, err := c.cfg.Store.Rooms(ctx)
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		cp, ok, err := c.cfg.Store.LatestCheckpoint(ctx, roomID)
		if err != nil {
			return err
		}
		if !ok {
			// A chain without a checkpoint stays readable through the
			// ops surface but the room is not resurrected.
			c.logger.Warn().Str(log.FieldRoomID, roomID).
				Msg("receipt chain has no checkpoint; room not restored")
			continue
		}
		if cp.Room.State == model.RoomClosed {
			// Explicitly closed rooms stay closed across restarts; their
			// chains remain queryable.
			continue
		}
		actor, err := c.spawnRoom(cp.Room, &cp)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.rooms[actor.info.RoomID] = actor
		c.mu.Unlock()
	}
	c.logger.Info().Int("rooms_restored", len(c.rooms)).Msg("coordinator started")
	return nil
}

// Shutdown stops every room actor and waits for them to finish.
func (c *Coordinator) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// room returns the actor for roomID.
func (c *Coordinator) room(roomID string) (*roomActor, error) {
	c.mu.RLock()
	actor, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if !ok {
		return nil, model.Failf(model.FailNotFound, "room %s not found", roomID)
	}
	return actor, nil
}

// removeRoom unregisters a torn-down actor.
func (c *Coordinator) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	c.meters.DropRoom(roomID)
	metrics.ActiveRooms.Dec()
}

// CreateRoom mints a room owned by ownerID. Unset config fields inherit
// the coordinator defaults.
func (c *Coordinator) CreateRoom(ctx context.Context, ownerID, name string, defaultRights rights.License, roomCfg model.RoomConfig) (roomID string, err error) {
	defer c.instrument("room.create", ownerID, &roomID, &err)()

	if !defaultRights.Valid() {
		return "", model.Failf(model.FailInvalidRights, "unknown rights %q", defaultRights)
	}
	if !ident.ValidOpaque(ownerID) || name == "" {
		return "", model.Failf(model.FailInvalidRights, "owner and name must be non-empty")
	}
	merged := mergeRoomConfig(c.cfg.Defaults, roomCfg).Normalize()
	if err := merged.Validate(); err != nil {
		return "", model.WrapFailure(model.FailInvalidRights, "room config", err)
	}

	info := model.RoomInfo{
		RoomID:         ident.New(ident.KindRoom),
		Name:           name,
		OwnerID:        ownerID,
		DefaultRights:  defaultRights,
		State:          model.RoomOpen,
		CreatedAtNanos: c.cfg.Clock.NowNanos(),
		Config:         merged,
	}
	actor, err := c.spawnRoom(info, nil)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.rooms[info.RoomID] = actor
	c.mu.Unlock()

	c.publish(model.Event{
		Kind:    model.EventRoomCreated,
		RoomID:  info.RoomID,
		AtNanos: info.CreatedAtNanos,
		Fields:  map[string]string{"owner": ownerID, "rights": string(defaultRights)},
	})
	return info.RoomID, nil
}

// JoinRoom admits a participant with the given role and capabilities.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, participantID string, role model.Role, caps model.SubscriberCaps) (sessionID string, err error) {
	defer c.instrument("session.join", participantID, &sessionID, &err)()

	if !role.Valid() {
		return "", model.Failf(model.FailRoleForbidden, "unknown role %q", role)
	}
	if !ident.ValidOpaque(participantID) {
		return "", model.Failf(model.FailRoleForbidden, "malformed participant id")
	}
	actor, err := c.room(roomID)
	if err != nil {
		return "", err
	}
	res, err := c.do(ctx, actor, "session.join", func(r *roomActor) (any, error) {
		return r.join(participantID, role, caps)
	})
	if err != nil {
		return "", err
	}
	sessionID = res.(string)
	c.sessionIndex.Store(sessionID, roomID)
	return sessionID, nil
}

// LeaveSession removes a session. Idempotent: leaving a session that is
// already gone succeeds.
func (c *Coordinator) LeaveSession(ctx context.Context, sessionID string) (err error) {
	defer c.instrument("session.leave", sessionID, nil, &err)()

	roomID, ok := c.sessionIndex.Load(sessionID)
	if !ok {
		return nil
	}
	actor, roomErr := c.room(roomID.(string))
	if roomErr != nil {
		c.sessionIndex.Delete(sessionID)
		return nil
	}
	_, err = c.do(ctx, actor, "session.leave", func(r *roomActor) (any, error) {
		return nil, r.leave(sessionID)
	})
	if err == nil {
		c.sessionIndex.Delete(sessionID)
	}
	return err
}

// SubmitTrack queues a CID for moderation under the submitting session.
func (c *Coordinator) SubmitTrack(ctx context.Context, sessionID, cid string, r rights.License) (candidateID string, err error) {
	defer c.instrument("track.submit", sessionID, &candidateID, &err)()

	if !ident.ValidOpaque(cid) {
		return "", model.Failf(model.FailInvalidRights, "malformed cid")
	}
	roomID, ok := c.sessionIndex.Load(sessionID)
	if !ok {
		return "", model.Failf(model.FailNotFound, "session %s not found", sessionID)
	}
	actor, roomErr := c.room(roomID.(string))
	if roomErr != nil {
		return "", roomErr
	}
	res, err := c.do(ctx, actor, "track.submit", func(ra *roomActor) (any, error) {
		return ra.submitTrack(sessionID, cid, r)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Moderate applies an approve/reject decision by actorID, who must be
// the room owner.
func (c *Coordinator) Moderate(ctx context.Context, roomID, actorID, candidateID string, decision model.ModerationDecision, reason string) (err error) {
	defer c.instrument("track.moderate", actorID, nil, &err)()

	actor, roomErr := c.room(roomID)
	if roomErr != nil {
		return roomErr
	}
	_, err = c.do(ctx, actor, "track.moderate", func(r *roomActor) (any, error) {
		return nil, r.moderate(actorID, candidateID, decision, reason)
	})
	return err
}

// Promote materializes an Approved candidate as an ActiveTrack.
func (c *Coordinator) Promote(ctx context.Context, roomID, actorID, candidateID string, codec model.CodecDescriptor) (trackID string, err error) {
	defer c.instrument("track.promote", actorID, &trackID, &err)()

	actor, roomErr := c.room(roomID)
	if roomErr != nil {
		return "", roomErr
	}
	res, err := c.do(ctx, actor, "track.promote", func(r *roomActor) (any, error) {
		return r.promote(actorID, candidateID, codec)
	})
	if err != nil {
		return "", err
	}
	trackID = res.(string)
	c.trackIndex.Store(trackID, roomID)
	return trackID, nil
}

// StopTrack drains and removes an active track.
func (c *Coordinator) StopTrack(ctx context.Context, trackID string) (err error) {
	defer c.instrument("track.stop", "system", nil, &err)()

	roomID, ok := c.trackIndex.Load(trackID)
	if !ok {
		return model.Failf(model.FailNotFound, "track %s not found", trackID)
	}
	actor, roomErr := c.room(roomID.(string))
	if roomErr != nil {
		return roomErr
	}
	_, err = c.do(ctx, actor, "track.stop", func(r *roomActor) (any, error) {
		return nil, r.stopTrack(trackID, "stopped")
	})
	if err == nil {
		c.trackIndex.Delete(trackID)
	}
	return err
}

// ResumeReceipts clears a room's stall after operator intervention,
// provided the signing backlog has drained.
func (c *Coordinator) ResumeReceipts(ctx context.Context, roomID string) (err error) {
	defer c.instrument("room.resume_receipts", "operator", nil, &err)()

	actor, roomErr := c.room(roomID)
	if roomErr != nil {
		return roomErr
	}
	_, err = c.do(ctx, actor, "room.resume_receipts", func(r *roomActor) (any, error) {
		return nil, r.resumeReceipts()
	})
	return err
}

// CloseRoom tears a room down. Only the owner may close it; sessions
// are dropped and the receipt engine finishes any in-flight signing.
func (c *Coordinator) CloseRoom(ctx context.Context, roomID, actorID string) (err error) {
	defer c.instrument("room.close", actorID, nil, &err)()

	actor, roomErr := c.room(roomID)
	if roomErr != nil {
		return roomErr
	}
	_, err = c.do(ctx, actor, "room.close", func(r *roomActor) (any, error) {
		if actorID != r.info.OwnerID {
			return nil, model.Failf(model.FailNotModerator, "%s does not own room %s", actorID, roomID)
		}
		r.beginClose()
		return nil, nil
	})
	return err
}

// Ingest accepts one ingress packet from a publisher session and fans
// it out. This is the hot path: no room-actor round trip.
func (c *Coordinator) Ingest(ctx context.Context, sessionID string, pkt ports.Packet) {
	roomID, ok := c.sessionIndex.Load(sessionID)
	if !ok {
		return
	}
	actor, err := c.room(roomID.(string))
	if err != nil {
		return
	}
	actor.meter.RecordIn(sessionID, pkt.TrackID, pkt.Len())
	actor.fwd.Forward(ctx, pkt)
}

// ReportCongestion is the transport's congestion callback.
func (c *Coordinator) ReportCongestion(sessionID string) {
	if actor := c.actorForSession(sessionID); actor != nil {
		actor.fwd.ReportCongestion(sessionID)
	}
}

// ClearCongestion signals transport recovery for a subscriber.
func (c *Coordinator) ClearCongestion(sessionID string) {
	if actor := c.actorForSession(sessionID); actor != nil {
		actor.fwd.ClearCongestion(sessionID)
	}
}

func (c *Coordinator) actorForSession(sessionID string) *roomActor {
	roomID, ok := c.sessionIndex.Load(sessionID)
	if !ok {
		return nil
	}
	actor, err := c.room(roomID.(string))
	if err != nil {
		return nil
	}
	return actor
}

// RoomInfo returns a room's descriptive header.
func (c *Coordinator) RoomInfo(roomID string) (model.RoomInfo, error) {
	actor, err := c.room(roomID)
	if err != nil {
		return model.RoomInfo{}, err
	}
	return actor.snapshotInfo(), nil
}

// ListRooms returns the headers of every live room.
func (c *Coordinator) ListRooms() []model.RoomInfo {
	c.mu.RLock()
	actors := make([]*roomActor, 0, len(c.rooms))
	for _, a := range c.rooms {
		actors = append(actors, a)
	}
	c.mu.RUnlock()

	out := make([]model.RoomInfo, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.snapshotInfo())
	}
	return out
}

// TrackMetadata returns the uploader attribution for a room's tracks,
// live and stopped, as the rewards calculator consumes it.
func (c *Coordinator) TrackMetadata(roomID string) (map[string]string, error) {
	actor, err := c.room(roomID)
	if err != nil {
		return nil, err
	}
	return actor.trackMetadata(), nil
}

// do routes fn through the room's mailbox and waits for the reply. The
// operation deadline covers queueing and execution; expiry before the
// actor picks the op up leaves state untouched.
func (c *Coordinator) do(ctx context.Context, actor *roomActor, name string, fn func(*roomActor) (any, error)) (out any, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpDeadline)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, name)
	defer func() {
		result := "ok"
		if err != nil {
			result = string(model.CodeOf(err))
			span.RecordError(err)
		}
		span.SetAttributes(telemetry.OpAttributes(name, result)...)
		span.SetAttributes(telemetry.RoomAttributes(actor.info.RoomID, "")...)
		span.End()
	}()

	op := roomOp{ctx: ctx, name: name, fn: fn, reply: make(chan opResult, 1)}
	select {
	case actor.mailbox <- op:
	case <-ctx.Done():
		return nil, model.WrapFailure(model.FailDeadlineExceeded, name, ctx.Err())
	case <-actor.done:
		return nil, model.Failf(model.FailRoomClosed, "room %s is closed", actor.info.RoomID)
	}

	select {
	case res := <-op.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, model.WrapFailure(model.FailDeadlineExceeded, name, ctx.Err())
	}
}

// instrument wraps a control operation with latency/outcome metrics and
// the audit trail. resource may be nil when the op yields no ID.
func (c *Coordinator) instrument(op, actorID string, resource *string, errp *error) func() {
	began := time.Now()
	return func() {
		err := *errp
		res := ""
		if resource != nil {
			res = *resource
		}
		metrics.ObserveControlOp(op, time.Since(began).Seconds())
		metrics.IncControlOp(op, err == nil, string(model.CodeOf(err)))
		c.audit.ControlOp(op, actorID, "", res, err, nil)
	}
}

// publish emits an event without letting a slow observer block the
// control plane.
func (c *Coordinator) publish(ev model.Event) {
	if c.cfg.Bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.cfg.Bus.Publish(ctx, ev); err != nil {
		c.logger.Debug().Err(err).Str("topic", ev.Topic()).Msg("event publish dropped")
	}
}

// mergeRoomConfig overlays explicit room options onto the coordinator
// defaults; zero-valued fields inherit.
func mergeRoomConfig(defaults, override model.RoomConfig) model.RoomConfig {
	out := defaults
	if override.WindowDuration != 0 {
		out.WindowDuration = override.WindowDuration
	}
	if override.PendingTTL != 0 {
		out.PendingTTL = override.PendingTTL
	}
	if override.SessionIdleTimeout != 0 {
		out.SessionIdleTimeout = override.SessionIdleTimeout
	}
	if override.MaxEntriesPerReceipt != 0 {
		out.MaxEntriesPerReceipt = override.MaxEntriesPerReceipt
	}
	if override.ResubmitCooldown != 0 {
		out.ResubmitCooldown = override.ResubmitCooldown
	}
	if override.GracePeriod != 0 {
		out.GracePeriod = override.GracePeriod
	}
	if override.LicensedAllowed {
		out.LicensedAllowed = true
	}
	return out
}

// sinkChain fans a receipt to the configured sink and the event bus.
type sinkChain struct {
	c      *Coordinator
	roomID string
}

func (s sinkChain) Emit(ctx context.Context, r receipt.Receipt) error {
	s.c.publish(model.Event{
		Kind:    model.EventReceiptEmitted,
		RoomID:  s.roomID,
		AtNanos: s.c.cfg.Clock.NowNanos(),
		Fields: map[string]string{
			log.FieldReceiptID: r.ReceiptID,
			log.FieldSequence:  strconv.FormatUint(r.Sequence, 10),
		},
	})
	if s.c.cfg.Sink != nil {
		return s.c.cfg.Sink.Emit(ctx, r)
	}
	return nil
}
