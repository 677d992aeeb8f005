package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRoleCapabilities(t *testing.T) {
	cases := []struct {
		role      Role
		pub, sub  bool
		wantValid bool
	}{
		{RolePublisher, true, false, true},
		{RoleSubscriber, false, true, true},
		{RoleBoth, true, true, true},
		{Role("VIEWER"), false, false, false},
	}
	for _, c := range cases {
		if c.role.Valid() != c.wantValid {
			t.Errorf("%s.Valid() = %v", c.role, !c.wantValid)
		}
		if c.role.CanPublish() != c.pub {
			t.Errorf("%s.CanPublish() = %v", c.role, !c.pub)
		}
		if c.role.CanSubscribe() != c.sub {
			t.Errorf("%s.CanSubscribe() = %v", c.role, !c.sub)
		}
	}
}

func TestCandidateStateTerminal(t *testing.T) {
	terminal := []CandidateState{CandidateRejected, CandidateExpired, CandidateActivated}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []CandidateState{CandidatePending, CandidateApproved} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestCodedErrorIsAndCode(t *testing.T) {
	err := Failf(FailDuplicateCid, "cid %s already queued", "QmX")
	if !errors.Is(err, ErrDuplicateCid) {
		t.Fatal("errors.Is must match sentinel of same code")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("errors.Is must not match different code")
	}
	if got := CodeOf(err); got != FailDuplicateCid {
		t.Fatalf("CodeOf = %s", got)
	}

	wrapped := fmt.Errorf("control op: %w", err)
	if !errors.Is(wrapped, ErrDuplicateCid) {
		t.Fatal("code must survive wrapping")
	}
	if got := CodeOf(wrapped); got != FailDuplicateCid {
		t.Fatalf("CodeOf(wrapped) = %s", got)
	}
}

func TestCodeOfContextErrors(t *testing.T) {
	if got := CodeOf(context.DeadlineExceeded); got != FailDeadlineExceeded {
		t.Fatalf("CodeOf(DeadlineExceeded) = %s", got)
	}
	if got := CodeOf(context.Canceled); got != FailDeadlineExceeded {
		t.Fatalf("CodeOf(Canceled) = %s", got)
	}
	if got := CodeOf(nil); got != FailNone {
		t.Fatalf("CodeOf(nil) = %s", got)
	}
	if got := CodeOf(errors.New("boom")); got != FailUnknown {
		t.Fatalf("CodeOf(plain) = %s", got)
	}
}

func TestWrapFailureKeepsCause(t *testing.T) {
	cause := errors.New("kms unavailable")
	err := WrapFailure(FailSignatureFailed, "signing window 4", cause)
	if !errors.Is(err, ErrSignatureFailed) {
		t.Fatal("wrapped failure must match its sentinel")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause must remain reachable via Unwrap")
	}
}

func TestRoomConfigNormalizeDefaults(t *testing.T) {
	c := RoomConfig{}.Normalize()
	if c.WindowDuration != DefaultWindowDuration {
		t.Errorf("WindowDuration = %v", c.WindowDuration)
	}
	if c.PendingTTL != DefaultPendingTTL {
		t.Errorf("PendingTTL = %v", c.PendingTTL)
	}
	if c.SessionIdleTimeout != DefaultSessionIdleTimeout {
		t.Errorf("SessionIdleTimeout = %v", c.SessionIdleTimeout)
	}
	if c.MaxEntriesPerReceipt != DefaultMaxEntriesPerReceipt {
		t.Errorf("MaxEntriesPerReceipt = %d", c.MaxEntriesPerReceipt)
	}
	if c.ResubmitCooldown != DefaultResubmitCooldown {
		t.Errorf("ResubmitCooldown = %v", c.ResubmitCooldown)
	}
	if c.LicensedAllowed {
		t.Error("LicensedAllowed must default to false")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("normalized defaults must validate: %v", err)
	}
}

func TestRoomConfigValidateBounds(t *testing.T) {
	bad := []RoomConfig{
		{WindowDuration: 500 * time.Millisecond},
		{WindowDuration: 301 * time.Second},
		{WindowDuration: 10 * time.Second, PendingTTL: -time.Hour},
		{WindowDuration: 10 * time.Second, MaxEntriesPerReceipt: -1},
	}
	for i, c := range bad {
		c = fillValid(c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation failure for %+v", i, c)
		}
	}

	ok := RoomConfig{WindowDuration: time.Second}.Normalize()
	if err := ok.Validate(); err != nil {
		t.Errorf("1s window must validate: %v", err)
	}
	ok = RoomConfig{WindowDuration: 300 * time.Second}.Normalize()
	if err := ok.Validate(); err != nil {
		t.Errorf("300s window must validate: %v", err)
	}
}

// fillValid normalizes only the fields the case does not probe.
func fillValid(c RoomConfig) RoomConfig {
	if c.PendingTTL == 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.MaxEntriesPerReceipt == 0 {
		c.MaxEntriesPerReceipt = DefaultMaxEntriesPerReceipt
	}
	return c
}

func TestSupportsCodec(t *testing.T) {
	all := SubscriberCaps{}
	if !all.SupportsCodec("av1") {
		t.Fatal("empty codec list accepts anything")
	}
	picky := SubscriberCaps{Codecs: []string{"opus", "vp9"}}
	if picky.SupportsCodec("av1") {
		t.Fatal("undeclared codec must not match")
	}
	if !picky.SupportsCodec("vp9") {
		t.Fatal("declared codec must match")
	}
}

func TestNewDiagnosticCarriesKind(t *testing.T) {
	ev := NewDiagnostic("room-1", 42, DiagMeterOverflow, map[string]string{"trackId": "trk-1"})
	if ev.Kind != EventDiagnosticRaised {
		t.Fatalf("Kind = %s", ev.Kind)
	}
	if ev.Fields["diagnostic"] != string(DiagMeterOverflow) {
		t.Fatalf("diagnostic field = %q", ev.Fields["diagnostic"])
	}
	if ev.Fields["trackId"] != "trk-1" {
		t.Fatal("caller fields must be preserved")
	}
	if ev.Topic() != "diagnostic.raised" {
		t.Fatalf("Topic = %s", ev.Topic())
	}
}
