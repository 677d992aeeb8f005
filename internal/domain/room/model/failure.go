package model

import (
	"context"
	"errors"
	"fmt"
)

// FailureCode is a compact, typed failure signal for control operations.
// Keep these stable: metrics, audit records, and client mapping depend
// on them.
type FailureCode string

const (
	FailNone              FailureCode = "F_NONE"
	FailUnknown           FailureCode = "F_UNKNOWN"
	FailNotFound          FailureCode = "F_NOT_FOUND"
	FailInvalidTransition FailureCode = "F_INVALID_TRANSITION"
	FailInvalidRights     FailureCode = "F_INVALID_RIGHTS"
	FailRightsPolicy      FailureCode = "F_RIGHTS_POLICY"
	FailDuplicateCid      FailureCode = "F_DUPLICATE_CID"
	FailRoleForbidden     FailureCode = "F_ROLE_FORBIDDEN"
	FailNotModerator      FailureCode = "F_NOT_MODERATOR"
	FailNotPublisher      FailureCode = "F_NOT_PUBLISHER"
	FailDeadlineExceeded  FailureCode = "F_DEADLINE_EXCEEDED"
	FailReceiptsStalled   FailureCode = "F_RECEIPTS_STALLED"
	FailMeterOverflow     FailureCode = "F_METER_OVERFLOW"
	FailSignatureFailed   FailureCode = "F_SIGNATURE_FAILED"
	FailCapacityExceeded  FailureCode = "F_CAPACITY_EXCEEDED"
	FailRoomClosed        FailureCode = "F_ROOM_CLOSED"
)

// CodedError carries a FailureCode alongside a human-readable message.
// Control operations return these; errors.Is matches on the code so
// callers can branch without string inspection.
type CodedError struct {
	code FailureCode
	msg  string
	err  error
}

func (e *CodedError) Error() string {
	switch {
	case e.msg != "" && e.err != nil:
		return e.msg + ": " + e.err.Error()
	case e.msg != "":
		return e.msg
	case e.err != nil:
		return e.err.Error()
	}
	return string(e.code)
}

func (e *CodedError) Unwrap() error { return e.err }

// Code returns the typed failure code.
func (e *CodedError) Code() FailureCode { return e.code }

// Is matches any CodedError carrying the same code, so sentinel values
// like ErrNotFound work with errors.Is across wrapping.
func (e *CodedError) Is(target error) bool {
	var o *CodedError
	if errors.As(target, &o) {
		return o.code == e.code
	}
	return false
}

// Sentinels for errors.Is. Construct real failures with Failf/WrapFailure.
var (
	ErrNotFound          = &CodedError{code: FailNotFound}
	ErrInvalidTransition = &CodedError{code: FailInvalidTransition}
	ErrInvalidRights     = &CodedError{code: FailInvalidRights}
	ErrRightsPolicy      = &CodedError{code: FailRightsPolicy}
	ErrDuplicateCid      = &CodedError{code: FailDuplicateCid}
	ErrRoleForbidden     = &CodedError{code: FailRoleForbidden}
	ErrNotModerator      = &CodedError{code: FailNotModerator}
	ErrNotPublisher      = &CodedError{code: FailNotPublisher}
	ErrDeadlineExceeded  = &CodedError{code: FailDeadlineExceeded}
	ErrReceiptsStalled   = &CodedError{code: FailReceiptsStalled}
	ErrMeterOverflow     = &CodedError{code: FailMeterOverflow}
	ErrSignatureFailed   = &CodedError{code: FailSignatureFailed}
	ErrCapacityExceeded  = &CodedError{code: FailCapacityExceeded}
	ErrRoomClosed        = &CodedError{code: FailRoomClosed}
)

// Failf builds a typed failure with a formatted message.
func Failf(code FailureCode, format string, args ...any) error {
	return &CodedError{code: code, msg: fmt.Sprintf(format, args...)}
}

// WrapFailure attaches a typed code to an underlying error.
func WrapFailure(code FailureCode, msg string, err error) error {
	if err == nil {
		return Failf(code, "%s", msg)
	}
	return &CodedError{code: code, msg: msg, err: err}
}

// CodeOf classifies an arbitrary error into a FailureCode. Context
// cancellation and deadline expiry both surface as DeadlineExceeded: the
// caller's operation did not complete and no state was mutated.
func CodeOf(err error) FailureCode {
	if err == nil {
		return FailNone
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailDeadlineExceeded
	}
	return FailUnknown
}
