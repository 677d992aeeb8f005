// SPDX-License-Identifier: MIT

// Package audit records every control-plane mutation in WHO/WHAT/RESULT
// form: which participant did what to which room, session, candidate,
// or track, and how it ended. Audit entries ride the normal log stream
// tagged log_type=audit so they can be split off downstream.
package audit

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/log"
)

// Event is one structured audit entry.
type Event struct {
	Timestamp time.Time
	Op        string // control operation, e.g. "room.create"
	Actor     string // WHO: participant ID or "system"
	RoomID    string
	Resource  string // session/candidate/track the op touched
	Result    string // "success" or "failure"
	Code      model.FailureCode
	Detail    map[string]string
}

// Logger writes audit events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger with a dedicated component tag.
func NewLogger() *Logger {
	return &Logger{
		logger: log.WithComponent("audit").With().
			Str("log_type", "audit").
			Logger(),
	}
}

// Log writes one audit event.
func (l *Logger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e := l.logger.Info().
		Time("timestamp", ev.Timestamp).
		Str("op", ev.Op).
		Str("actor", ev.Actor).
		Str("result", ev.Result)
	if ev.RoomID != "" {
		e = e.Str(log.FieldRoomID, ev.RoomID)
	}
	if ev.Resource != "" {
		e = e.Str("resource", ev.Resource)
	}
	if ev.Code != "" && ev.Code != model.FailNone {
		e = e.Str("code", string(ev.Code))
	}
	for k, v := range ev.Detail {
		e = e.Str(k, v)
	}
	e.Msg("audit event")
}

// ControlOp records the outcome of one control operation. err may be
// nil for success; the failure code is derived from it.
func (l *Logger) ControlOp(op, actor, roomID, resource string, err error, detail map[string]string) {
	result := "success"
	code := model.FailNone
	if err != nil {
		result = "failure"
		code = model.CodeOf(err)
		if detail == nil {
			detail = make(map[string]string, 1)
		}
		detail[log.FieldError] = err.Error()
	}
	l.Log(Event{
		Op:       op,
		Actor:    actor,
		RoomID:   roomID,
		Resource: resource,
		Result:   result,
		Code:     code,
		Detail:   detail,
	})
}

// Stall records a room entering or leaving the stalled state. These are
// operator-visible incidents, not per-request noise.
func (l *Logger) Stall(roomID string, entered bool) {
	op := "room.receipts_resumed"
	if entered {
		op = "room.receipts_stalled"
	}
	l.Log(Event{Op: op, Actor: "system", RoomID: roomID, Result: "success"})
}
